// Package study builds and launches invocations of the crossoverstudy
// program.
//
// A Command is an immutable descriptor: a problem name plus seven fixed
// parameters. It renders to the single-line shell form (String), the
// token-list form (Args) or a clean argument vector (Argv), and can be
// executed through a Runner.
package study

// Program is the executable name in rendered commands.
const Program = "crossoverstudy"

// Default rates applied when no option overrides them.
const (
	DefaultCrossoverRate = 0.8
	DefaultMutationRate  = 0.05
)

// Params is the fixed parameter record of a Command.
type Params struct {
	Infile    string
	Crossover int
	PopSize   int
	Epochs    int
	XRate     float64
	MRate     float64
	DB        string
}

// Command describes one crossoverstudy invocation.
type Command struct {
	problem string
	params  Params
}

// Option customizes New.
type Option func(*rawRates)

type rawRates struct {
	xrate any
	mrate any
}

// WithCrossoverRate overrides the crossover rate (default 0.8). The value is
// coerced to float64 by New.
func WithCrossoverRate(v any) Option {
	return func(r *rawRates) { r.xrate = v }
}

// WithMutationRate overrides the mutation rate (default 0.05). The value is
// coerced to float64 by New.
func WithMutationRate(v any) Option {
	return func(r *rawRates) { r.mrate = v }
}

// New builds a Command. crossover, popsize and epochs may be any Go integer
// or float kind, a numeric string or a json.Number; they are coerced to int.
// A value that cannot be converted yields a *ConversionError.
func New(problem, infile string, crossover, popsize, epochs any, db string, opts ...Option) (*Command, error) {
	rates := rawRates{xrate: DefaultCrossoverRate, mrate: DefaultMutationRate}
	for _, opt := range opts {
		opt(&rates)
	}

	p := Params{Infile: infile, DB: db}
	var err error
	if p.Crossover, err = toInt("crossover", crossover); err != nil {
		return nil, err
	}
	if p.PopSize, err = toInt("popsize", popsize); err != nil {
		return nil, err
	}
	if p.Epochs, err = toInt("epochs", epochs); err != nil {
		return nil, err
	}
	if p.XRate, err = toFloat("xrate", rates.xrate); err != nil {
		return nil, err
	}
	if p.MRate, err = toFloat("mrate", rates.mrate); err != nil {
		return nil, err
	}

	return &Command{problem: problem, params: p}, nil
}

// Problem returns the problem name.
func (c *Command) Problem() string { return c.problem }

// Params returns a copy of the parameter record.
func (c *Command) Params() Params { return c.params }
