package drift

import "math"

// kolmogorovPValue is the two-sided asymptotic significance of a two-sample
// KS statistic d over samples of size n1 and n2. It uses the effective
// sample size with the small-sample correction from Numerical Recipes.
func kolmogorovPValue(d float64, n1, n2 int) float64 {
	if d <= 0 {
		return 1
	}
	if d >= 1 {
		return 0
	}
	en := math.Sqrt(float64(n1) * float64(n2) / float64(n1+n2))
	return qks((en + 0.12 + 0.11/en) * d)
}

// qks evaluates the Kolmogorov survival function
//
//	Q(lambda) = 2 * sum_{j>=1} (-1)^(j-1) * exp(-2 j^2 lambda^2)
//
// truncating once terms stop contributing. When the series fails to
// converge (lambda near zero) the significance is 1: no evidence of
// difference.
func qks(lambda float64) float64 {
	const (
		eps1     = 1e-3
		eps2     = 1e-8
		maxTerms = 100
	)
	a2 := -2 * lambda * lambda
	sum, prev := 0.0, 0.0
	sign := 1.0
	for j := 1; j <= maxTerms; j++ {
		term := sign * 2 * math.Exp(a2*float64(j*j))
		sum += term
		abs := math.Abs(term)
		if abs <= eps1*prev || abs <= eps2*sum {
			return clamp01(sum)
		}
		sign = -sign
		prev = abs
	}
	return 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
