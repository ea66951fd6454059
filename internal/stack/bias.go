package stack

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"swimalign/internal/affine"
)

// ErrTooFewSections is returned when a polynomial of the requested order
// cannot be fit.
var ErrTooFewSections = errors.New("stack: not enough sections for bias fit")

// Poly holds polynomial coefficients, highest power first.
type Poly []float64

// Eval evaluates p at x.
func (p Poly) Eval(x float64) float64 {
	var v float64
	for _, c := range p {
		v = v*x + c
	}
	return v
}

// Deriv returns the derivative of p: each coefficient is multiplied by its
// exponent, highest first, and the constant term dropped.
func (p Poly) Deriv() Poly {
	n := len(p) - 1
	if n <= 0 {
		return Poly{0}
	}
	d := make(Poly, n)
	for j := 0; j < n; j++ {
		d[j] = p[j] * float64(n-j)
	}
	return d
}

// Const is the constant term, the value at x = 0.
func (p Poly) Const() float64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

func (p Poly) add(q Poly) Poly {
	if len(q) != len(p) {
		return append(Poly(nil), q...)
	}
	out := make(Poly, len(p))
	for i := range p {
		out[i] = p[i] + q[i]
	}
	return out
}

// BiasFuncs are the fitted drift polynomials of the stack, one per
// decomposed affine parameter.
type BiasFuncs struct {
	Order  int  `json:"order"`
	ScaleX Poly `json:"scale_x"`
	ScaleY Poly `json:"scale_y"`
	SkewX  Poly `json:"skew_x"`
	Rot    Poly `json:"rot"`
	X      Poly `json:"x"`
	Y      Poly `json:"y"`
}

// FitBias fits one polynomial of the given order to each decomposed
// parameter of cafms, indexed by xs. With prev set the new fit is added to
// prev's coefficients.
func FitBias(xs []float64, cafms []affine.Affine, order int, prev *BiasFuncs) (BiasFuncs, error) {
	if len(xs) != len(cafms) {
		return BiasFuncs{}, fmt.Errorf("stack: %d positions for %d affines", len(xs), len(cafms))
	}
	if order < 0 {
		return BiasFuncs{}, fmt.Errorf("stack: negative polynomial order %d", order)
	}
	if len(cafms) < order+1 {
		return BiasFuncs{}, fmt.Errorf("%w: %d sections, order %d", ErrTooFewSections, len(cafms), order)
	}

	series := make([][]float64, 6)
	for i := range series {
		series[i] = make([]float64, len(cafms))
	}
	for i, c := range cafms {
		d := affine.Decompose(c)
		series[0][i] = d.ScaleX
		series[1][i] = d.ScaleY
		series[2][i] = d.SkewX
		series[3][i] = d.Rot
		series[4][i] = d.TX
		series[5][i] = d.TY
	}

	fits := make([]Poly, 6)
	for i, s := range series {
		p, err := Polyfit(xs, s, order)
		if err != nil {
			return BiasFuncs{}, err
		}
		fits[i] = p
	}
	bf := BiasFuncs{Order: order, ScaleX: fits[0], ScaleY: fits[1], SkewX: fits[2], Rot: fits[3], X: fits[4], Y: fits[5]}
	if prev != nil {
		bf.ScaleX = prev.ScaleX.add(bf.ScaleX)
		bf.ScaleY = prev.ScaleY.add(bf.ScaleY)
		bf.SkewX = prev.SkewX.add(bf.SkewX)
		bf.Rot = prev.Rot.add(bf.Rot)
		bf.X = prev.X.add(bf.X)
		bf.Y = prev.Y.add(bf.Y)
	}
	return bf, nil
}

// Polyfit returns the least-squares polynomial of the given order through
// (xs, ys), highest power first.
func Polyfit(xs, ys []float64, order int) (Poly, error) {
	n := len(xs)
	if n < order+1 {
		return nil, fmt.Errorf("%w: %d points, order %d", ErrTooFewSections, n, order)
	}
	a := mat.NewDense(n, order+1, nil)
	b := mat.NewVecDense(n, nil)
	for i, x := range xs {
		for j := 0; j <= order; j++ {
			a.Set(i, j, math.Pow(x, float64(order-j)))
		}
		b.SetVec(i, ys[i])
	}

	var qr mat.QR
	qr.Factorize(a)

	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, b); err != nil {
		return nil, fmt.Errorf("stack: polyfit: %w", err)
	}
	p := make(Poly, order+1)
	for j := range p {
		p[j] = coef.AtVec(j)
	}
	return p, nil
}

// BiasMatrix is the local correction at section position x. Each fitted
// polynomial is differentiated before evaluation, so the result removes
// the per-section drift rather than the accumulated drift.
func BiasMatrix(x float64, bf BiasFuncs) affine.Affine {
	return affine.Recompose(affine.Decomposition{
		ScaleX: 1 - bf.ScaleX.Deriv().Eval(x),
		ScaleY: 1 - bf.ScaleY.Deriv().Eval(x),
		SkewX:  -bf.SkewX.Deriv().Eval(x),
		Rot:    -bf.Rot.Deriv().Eval(x),
		TX:     -bf.X.Deriv().Eval(x),
		TY:     -bf.Y.Deriv().Eval(x),
	})
}

// InitCafm is the seed cumulative affine built from the constant terms:
// inverse scale, then inverse skew, inverse rotation and inverse
// translation.
func InitCafm(bf BiasFuncs) (affine.Affine, error) {
	sx, sy := bf.ScaleX.Const(), bf.ScaleY.Const()
	if sx == 0 || sy == 0 {
		return affine.Identity(), fmt.Errorf("stack: zero scale bias (%g, %g)", sx, sy)
	}
	a := affine.Recompose(affine.Decomposition{
		ScaleX: 1 / sx,
		ScaleY: 1 / sy,
		SkewX:  -bf.SkewX.Const(),
		Rot:    -bf.Rot.Const(),
		TX:     -bf.X.Const(),
		TY:     -bf.Y.Const(),
	})
	if !a.IsFinite() {
		return affine.Identity(), fmt.Errorf("stack: non-finite seed affine")
	}
	return a, nil
}
