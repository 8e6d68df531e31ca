package study

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed crossoverstudy command line.
type ParseError struct {
	Token string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return "study: " + e.Msg
	}
	return fmt.Sprintf("study: %s: %q", e.Msg, e.Token)
}

var requiredFlags = []string{"infile", "crossover", "popsize", "epochs", "db"}

// Parse reads a command line produced by String. Values are split on
// whitespace, so paths containing spaces do not survive the round trip, and
// an empty value (e.g. an empty infile) reads as a flag with no value.
func Parse(line string) (*Command, error) {
	return ParseArgs(strings.Fields(line))
}

// ParseArgs reads an argument list as produced by Args or Argv. The first
// token is the program and is not checked; the second is the problem name.
// xrate and mrate fall back to their defaults when absent.
func ParseArgs(args []string) (*Command, error) {
	if len(args) < 2 {
		return nil, &ParseError{Msg: "missing program or problem name"}
	}
	problem := strings.TrimSpace(args[1])
	if problem == "" || strings.HasPrefix(problem, "--") {
		return nil, &ParseError{Token: args[1], Msg: "invalid problem name"}
	}

	values := make(map[string]string, 7)
	rest := args[2:]
	for i := 0; i < len(rest); i += 2 {
		tok := strings.TrimSpace(rest[i])
		name, ok := strings.CutPrefix(tok, "--")
		if !ok {
			return nil, &ParseError{Token: rest[i], Msg: "expected flag"}
		}
		if !knownFlag(name) {
			return nil, &ParseError{Token: tok, Msg: "unknown flag"}
		}
		if _, dup := values[name]; dup {
			return nil, &ParseError{Token: tok, Msg: "duplicate flag"}
		}
		if i+1 >= len(rest) || isFlagToken(rest[i+1]) {
			return nil, &ParseError{Token: tok, Msg: "missing value for flag"}
		}
		values[name] = rest[i+1]
	}

	for _, name := range requiredFlags {
		if _, ok := values[name]; !ok {
			return nil, &ParseError{Token: "--" + name, Msg: "missing required flag"}
		}
	}

	var opts []Option
	if v, ok := values["xrate"]; ok {
		opts = append(opts, WithCrossoverRate(v))
	}
	if v, ok := values["mrate"]; ok {
		opts = append(opts, WithMutationRate(v))
	}

	return New(problem, values["infile"], values["crossover"], values["popsize"],
		values["epochs"], values["db"], opts...)
}

// isFlagToken reports whether tok names one of the known flags.
func isFlagToken(tok string) bool {
	name, ok := strings.CutPrefix(strings.TrimSpace(tok), "--")
	return ok && knownFlag(name)
}

func knownFlag(name string) bool {
	switch name {
	case "infile", "crossover", "popsize", "epochs", "xrate", "mrate", "db":
		return true
	}
	return false
}
