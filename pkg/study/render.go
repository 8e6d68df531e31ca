package study

import (
	"strconv"
	"strings"
)

type flag struct {
	name  string
	value string
}

// flags lists the parameters in their fixed rendering order.
func (c *Command) flags() []flag {
	p := c.params
	return []flag{
		{"infile", p.Infile},
		{"crossover", strconv.Itoa(p.Crossover)},
		{"popsize", strconv.Itoa(p.PopSize)},
		{"epochs", strconv.Itoa(p.Epochs)},
		{"xrate", formatFloat(p.XRate)},
		{"mrate", formatFloat(p.MRate)},
		{"db", p.DB},
	}
}

// flagPrefix selects how flag names are written.
type flagPrefix string

const (
	compatPrefix flagPrefix = " --" // historical token form, leading space kept
	argvPrefix   flagPrefix = "--"
)

// tokens is the single serialization routine behind every rendering.
func (c *Command) tokens(program string, prefix flagPrefix) []string {
	fs := c.flags()
	out := make([]string, 0, 2+2*len(fs))
	out = append(out, program, c.problem)
	for _, f := range fs {
		out = append(out, string(prefix)+f.name, f.value)
	}
	return out
}

// line joins compat tokens into the single-line shell form.
func (c *Command) line(program string) string {
	toks := c.tokens(program, compatPrefix)
	var b strings.Builder
	b.WriteString(toks[0])
	b.WriteByte(' ')
	b.WriteString(toks[1])
	b.WriteByte(' ')
	for i := 2; i < len(toks); i += 2 {
		b.WriteString(toks[i])
		b.WriteByte(' ')
		b.WriteString(toks[i+1])
	}
	return b.String()
}

// String renders the command line exactly as existing callers parse it:
//
//	crossoverstudy <problem>  --infile <v> --crossover <v> ... --db <v>
//
// Note the double space after the problem name.
func (c *Command) String() string {
	return c.line(Program)
}

// Args renders the token-list form. Flag tokens keep their leading space
// (" --infile"), matching the historical container command format.
func (c *Command) Args() []string {
	return c.tokens(Program, compatPrefix)
}

// Argv renders a clean argument vector for process-invocation APIs.
func (c *Command) Argv() []string {
	return c.tokens(Program, argvPrefix)
}
