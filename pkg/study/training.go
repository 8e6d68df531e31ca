package study

// TrainingParams is the subset of parameters that tune the genetic
// algorithm, excluding the I/O paths.
type TrainingParams struct {
	PopSize   int     `json:"popsize"`
	Epochs    int     `json:"epochs"`
	Crossover int     `json:"crossover"`
	XRate     float64 `json:"xrate"`
	MRate     float64 `json:"mrate"`
}

// TrainingParams returns the training subset of c's parameters.
func (c *Command) TrainingParams() TrainingParams {
	return TrainingParams{
		PopSize:   c.params.PopSize,
		Epochs:    c.params.Epochs,
		Crossover: c.params.Crossover,
		XRate:     c.params.XRate,
		MRate:     c.params.MRate,
	}
}

// Map returns the mapping view keyed by parameter name.
func (p TrainingParams) Map() map[string]any {
	return map[string]any{
		"popsize":   p.PopSize,
		"epochs":    p.Epochs,
		"crossover": p.Crossover,
		"xrate":     p.XRate,
		"mrate":     p.MRate,
	}
}
