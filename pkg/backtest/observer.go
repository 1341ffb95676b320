package backtest

// Observer receives progress notifications from the walk-forward and Monte
// Carlo runners. Implementations must be safe for concurrent use: folds and
// simulations report from their own goroutines.
type Observer interface {
	// FoldStateChanged is called on every fold transition
	FoldStateChanged(result *FoldResult)
	// EvaluationCompleted is called after each optimizer trial
	EvaluationCompleted(fold int, kind SearcherKind, trial *Trial)
	// SimulationCompleted is called after each Monte Carlo simulation
	SimulationCompleted(mode MonteCarloMode, sim *Simulation)
}

// NopObserver ignores all notifications
type NopObserver struct{}

func (NopObserver) FoldStateChanged(*FoldResult)                    {}
func (NopObserver) EvaluationCompleted(int, SearcherKind, *Trial)   {}
func (NopObserver) SimulationCompleted(MonteCarloMode, *Simulation) {}

// MultiObserver fans notifications out to several observers
type MultiObserver []Observer

func (m MultiObserver) FoldStateChanged(result *FoldResult) {
	for _, o := range m {
		o.FoldStateChanged(result)
	}
}

func (m MultiObserver) EvaluationCompleted(fold int, kind SearcherKind, trial *Trial) {
	for _, o := range m {
		o.EvaluationCompleted(fold, kind, trial)
	}
}

func (m MultiObserver) SimulationCompleted(mode MonteCarloMode, sim *Simulation) {
	for _, o := range m {
		o.SimulationCompleted(mode, sim)
	}
}
