package metrics

import (
	"strconv"
	"sync"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Recorder exports engine progress as Prometheus metrics. Use one Recorder
// per run: it tracks which folds of that run are in flight.
type Recorder struct {
	objective backtest.Objective

	mu       sync.Mutex
	inFlight map[int]bool
}

var _ backtest.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder scoring completed folds with objective. A
// zero Objective skips the out-of-sample objective gauge.
func NewRecorder(objective backtest.Objective) *Recorder {
	return &Recorder{
		objective: objective,
		inFlight:  make(map[int]bool),
	}
}

// FoldStateChanged implements backtest.Observer
func (r *Recorder) FoldStateChanged(res *backtest.FoldResult) {
	FoldTransitions.WithLabelValues(string(res.State)).Inc()

	switch res.State {
	case backtest.FoldOptimizing, backtest.FoldEvaluatingOOS:
		r.start(res.Fold.Index)

	case backtest.FoldDone:
		r.finish(res.Fold.Index)
		outcome := "done"
		if res.Cached {
			outcome = "cached"
		}
		FoldsFinished.WithLabelValues(outcome).Inc()
		FoldDuration.WithLabelValues(outcome).Observe(res.Duration.Seconds())
		if r.objective.Fn != nil && res.OOSMetrics != nil {
			FoldOOSObjective.Set(r.objective.Score(res.OOSMetrics))
		}

	case backtest.FoldFailed:
		r.finish(res.Fold.Index)
		FoldsFinished.WithLabelValues("failed").Inc()
		FoldFailures.WithLabelValues(NormalizeFailureKind(res.FailureKind)).Inc()
		FoldDuration.WithLabelValues("failed").Observe(res.Duration.Seconds())
	}
}

// EvaluationCompleted implements backtest.Observer
func (r *Recorder) EvaluationCompleted(_ int, kind backtest.SearcherKind, trial *backtest.Trial) {
	OptimizerEvaluations.WithLabelValues(string(kind), strconv.FormatBool(trial.Feasible)).Inc()
	OptimizerEvaluationDuration.WithLabelValues(string(kind)).Observe(float64(trial.Duration.Milliseconds()))
}

// SimulationCompleted implements backtest.Observer
func (r *Recorder) SimulationCompleted(mode backtest.MonteCarloMode, sim *backtest.Simulation) {
	if sim.Excluded {
		MonteCarloSimulations.WithLabelValues(string(mode), "excluded").Inc()
		MonteCarloExclusions.WithLabelValues(NormalizeExclusionReason(sim.Reason)).Inc()
		return
	}
	MonteCarloSimulations.WithLabelValues(string(mode), "included").Inc()
}

// InFlight returns the number of folds of this run currently running
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

func (r *Recorder) start(fold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inFlight[fold] {
		r.inFlight[fold] = true
		FoldsInProgress.Inc()
	}
}

func (r *Recorder) finish(fold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[fold] {
		delete(r.inFlight, fold)
		FoldsInProgress.Dec()
	}
}
