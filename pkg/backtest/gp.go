package backtest

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// lengthScales are the candidate kernel length scales; the one with the
// highest log marginal likelihood is used.
var lengthScales = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 1.0}

var errSingularKernel = errors.New("kernel matrix is not positive definite")

// gaussianProcess is a zero-mean GP over standardized targets with a
// squared-exponential kernel on [0, 1]^d inputs.
type gaussianProcess struct {
	x           [][]float64
	yMean       float64
	yScale      float64
	lengthScale float64
	noise       float64
	chol        mat.Cholesky
	alpha       *mat.VecDense
	logML       float64
}

// fitGaussianProcess fits a GP to the observations, choosing the length
// scale by marginal likelihood.
func fitGaussianProcess(x [][]float64, y []float64) (*gaussianProcess, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("gaussian process needs matching, non-empty observations")
	}

	mean, std := stat.MeanStdDev(y, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	z := make([]float64, len(y))
	for i, v := range y {
		z[i] = (v - mean) / std
	}

	var best *gaussianProcess
	for _, ls := range lengthScales {
		for _, noise := range []float64{1e-6, 1e-4, 1e-2} {
			gp := &gaussianProcess{x: x, yMean: mean, yScale: std, lengthScale: ls, noise: noise}
			if err := gp.factorize(z); err != nil {
				continue
			}
			if best == nil || gp.logML > best.logML {
				best = gp
			}
			break
		}
	}
	if best == nil {
		return nil, errSingularKernel
	}
	return best, nil
}

func (gp *gaussianProcess) factorize(z []float64) error {
	n := len(gp.x)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := gp.kernel(gp.x[i], gp.x[j])
			if i == j {
				v += gp.noise
			}
			k.SetSym(i, j, v)
		}
	}
	if ok := gp.chol.Factorize(k); !ok {
		return errSingularKernel
	}

	target := mat.NewVecDense(n, z)
	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, target); err != nil {
		return err
	}
	gp.logML = -0.5*mat.Dot(target, gp.alpha) - 0.5*gp.chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	return nil
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	d2 := 0.0
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-0.5 * d2 / (gp.lengthScale * gp.lengthScale))
}

// predict returns the posterior mean and standard deviation at x, in the
// original target units.
func (gp *gaussianProcess) predict(x []float64) (float64, float64) {
	n := len(gp.x)
	ks := mat.NewVecDense(n, nil)
	for i := range gp.x {
		ks.SetVec(i, gp.kernel(x, gp.x[i]))
	}
	mu := mat.Dot(ks, gp.alpha)

	v := mat.NewVecDense(n, nil)
	variance := 1.0
	if err := gp.chol.SolveVecTo(v, ks); err == nil {
		variance -= mat.Dot(ks, v)
	}
	if variance < 0 {
		variance = 0
	}
	return gp.yMean + mu*gp.yScale, math.Sqrt(variance) * gp.yScale
}

var standardNormal = distuv.Normal{Mu: 0, Sigma: 1}

// expectedImprovement over best for a maximization problem
func expectedImprovement(mu, sigma, best, xi float64) float64 {
	if sigma <= 1e-12 {
		return math.Max(0, mu-best-xi)
	}
	improvement := mu - best - xi
	z := improvement / sigma
	return improvement*standardNormal.CDF(z) + sigma*standardNormal.Prob(z)
}
