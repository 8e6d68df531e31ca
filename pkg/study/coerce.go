package study

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConversionError reports a constructor argument that is not convertible to
// its numeric parameter type.
type ConversionError struct {
	Param string
	Value any
	Kind  string // "int" or "float"
	Err   error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("study: cannot convert %s value %#v to %s", e.Param, e.Value, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

func toInt(param string, v any) (int, error) {
	fail := func(err error) (int, error) {
		return 0, &ConversionError{Param: param, Value: v, Kind: "int", Err: err}
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return fail(strconv.ErrRange)
		}
		return int(n), nil
	case uint:
		if uint64(n) > math.MaxInt {
			return fail(strconv.ErrRange)
		}
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		if uint64(n) > math.MaxInt {
			return fail(strconv.ErrRange)
		}
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return fail(strconv.ErrRange)
		}
		return int(n), nil
	case float32:
		return floatToInt(float64(n), fail)
	case float64:
		return floatToInt(n, fail)
	case json.Number:
		return parseInt(string(n), fail)
	case string:
		return parseInt(n, fail)
	}
	return fail(fmt.Errorf("unsupported type %T", v))
}

// floatToInt truncates toward zero.
func floatToInt(f float64, fail func(error) (int, error)) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fail(fmt.Errorf("not a finite number"))
	}
	t := math.Trunc(f)
	if t >= -math.MinInt || t < math.MinInt {
		return fail(strconv.ErrRange)
	}
	return int(t), nil
}

func parseInt(s string, fail func(error) (int, error)) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fail(err)
	}
	return n, nil
}

func toFloat(param string, v any) (float64, error) {
	fail := func(err error) (float64, error) {
		return 0, &ConversionError{Param: param, Value: v, Kind: "float", Err: err}
	}

	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return parseFloat(string(n), fail)
	case string:
		return parseFloat(n, fail)
	}
	return fail(fmt.Errorf("unsupported type %T", v))
}

func parseFloat(s string, fail func(error) (float64, error)) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fail(err)
	}
	return f, nil
}

// formatFloat renders f the way crossoverstudy's own tooling prints floats:
// shortest round-trip digits, always with a decimal point or exponent
// (0.8, 1.0, 1e-05, 1e+16, inf, nan).
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	exp := strconv.FormatFloat(f, 'e', -1, 64)
	e, _ := strconv.Atoi(exp[strings.IndexByte(exp, 'e')+1:])
	if f != 0 && (e < -4 || e >= 16) {
		return exp
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
