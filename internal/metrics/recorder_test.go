package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

func foldResult(index int, state backtest.FoldState) *backtest.FoldResult {
	return &backtest.FoldResult{
		Fold:     backtest.Fold{Index: index},
		State:    state,
		Duration: 250 * time.Millisecond,
	}
}

func TestRecorderFoldLifecycle(t *testing.T) {
	objective, err := backtest.ObjectiveByName("net_profit")
	require.NoError(t, err)
	r := NewRecorder(objective)

	done := testutil.ToFloat64(FoldsFinished.WithLabelValues("done"))
	failed := testutil.ToFloat64(FoldsFinished.WithLabelValues("failed"))
	timeouts := testutil.ToFloat64(FoldFailures.WithLabelValues(FailureTimeout))
	optimizing := testutil.ToFloat64(FoldTransitions.WithLabelValues(string(backtest.FoldOptimizing)))
	inProgress := testutil.ToFloat64(FoldsInProgress)

	for i := range 2 {
		r.FoldStateChanged(foldResult(i, backtest.FoldPending))
		r.FoldStateChanged(foldResult(i, backtest.FoldOptimizing))
	}
	assert.Equal(t, 2, r.InFlight())
	assert.Equal(t, inProgress+2, testutil.ToFloat64(FoldsInProgress))

	r.FoldStateChanged(foldResult(0, backtest.FoldEvaluatingOOS))
	assert.Equal(t, 2, r.InFlight(), "re-entering a running fold does not double count")

	finished := foldResult(0, backtest.FoldDone)
	finished.OOSMetrics = &backtest.Metrics{NetProfit: 1234}
	r.FoldStateChanged(finished)

	failure := foldResult(1, backtest.FoldFailed)
	failure.FailureKind = backtest.FailureTimeout
	r.FoldStateChanged(failure)

	assert.Equal(t, 0, r.InFlight())
	assert.Equal(t, inProgress, testutil.ToFloat64(FoldsInProgress))
	assert.Equal(t, done+1, testutil.ToFloat64(FoldsFinished.WithLabelValues("done")))
	assert.Equal(t, failed+1, testutil.ToFloat64(FoldsFinished.WithLabelValues("failed")))
	assert.Equal(t, timeouts+1, testutil.ToFloat64(FoldFailures.WithLabelValues(FailureTimeout)))
	assert.Equal(t, optimizing+2, testutil.ToFloat64(FoldTransitions.WithLabelValues(string(backtest.FoldOptimizing))))
	assert.Equal(t, 1234.0, testutil.ToFloat64(FoldOOSObjective))
}

func TestRecorderCachedFold(t *testing.T) {
	r := NewRecorder(backtest.Objective{})
	cached := testutil.ToFloat64(FoldsFinished.WithLabelValues("cached"))
	inProgress := testutil.ToFloat64(FoldsInProgress)

	res := foldResult(3, backtest.FoldDone)
	res.Cached = true
	res.OOSMetrics = &backtest.Metrics{}
	r.FoldStateChanged(res)

	assert.Equal(t, cached+1, testutil.ToFloat64(FoldsFinished.WithLabelValues("cached")))
	assert.Equal(t, inProgress, testutil.ToFloat64(FoldsInProgress), "folds never started are not decremented")
}

func TestRecorderEvaluations(t *testing.T) {
	r := NewRecorder(backtest.Objective{})
	feasible := testutil.ToFloat64(OptimizerEvaluations.WithLabelValues("random", "true"))
	infeasible := testutil.ToFloat64(OptimizerEvaluations.WithLabelValues("random", "false"))

	r.EvaluationCompleted(0, backtest.SearcherRandom, &backtest.Trial{Feasible: true, Duration: 3 * time.Millisecond})
	r.EvaluationCompleted(0, backtest.SearcherRandom, &backtest.Trial{Feasible: true})
	r.EvaluationCompleted(1, backtest.SearcherRandom, &backtest.Trial{Reason: "no trades"})

	assert.Equal(t, feasible+2, testutil.ToFloat64(OptimizerEvaluations.WithLabelValues("random", "true")))
	assert.Equal(t, infeasible+1, testutil.ToFloat64(OptimizerEvaluations.WithLabelValues("random", "false")))
}

func TestRecorderSimulations(t *testing.T) {
	r := NewRecorder(backtest.Objective{})
	included := testutil.ToFloat64(MonteCarloSimulations.WithLabelValues("both", "included"))
	excluded := testutil.ToFloat64(MonteCarloSimulations.WithLabelValues("both", "excluded"))
	noTrades := testutil.ToFloat64(MonteCarloExclusions.WithLabelValues(ExclusionNoTrades))
	evalErrors := testutil.ToFloat64(MonteCarloExclusions.WithLabelValues(ExclusionEvaluator))

	r.SimulationCompleted(backtest.ModeBoth, &backtest.Simulation{Index: 0})
	r.SimulationCompleted(backtest.ModeBoth, &backtest.Simulation{Index: 1, Excluded: true, Reason: backtest.ExcludedNoTrades})
	r.SimulationCompleted(backtest.ModeBoth, &backtest.Simulation{Index: 2, Excluded: true, Reason: "evaluation_error: boom"})

	assert.Equal(t, included+1, testutil.ToFloat64(MonteCarloSimulations.WithLabelValues("both", "included")))
	assert.Equal(t, excluded+2, testutil.ToFloat64(MonteCarloSimulations.WithLabelValues("both", "excluded")))
	assert.Equal(t, noTrades+1, testutil.ToFloat64(MonteCarloExclusions.WithLabelValues(ExclusionNoTrades)))
	assert.Equal(t, evalErrors+1, testutil.ToFloat64(MonteCarloExclusions.WithLabelValues(ExclusionEvaluator)))
}
