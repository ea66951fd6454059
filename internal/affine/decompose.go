package affine

import "math"

// Decomposition holds the scalar parameters of an affine such that
// a = T * R * Sk * Sc, i.e. scale is applied first, then skew, rotation and
// translation.
type Decomposition struct {
	Rot    float64 `json:"rot"`
	ScaleX float64 `json:"scale_x"`
	ScaleY float64 `json:"scale_y"`
	SkewX  float64 `json:"skew_x"`
	TX     float64 `json:"x"`
	TY     float64 `json:"y"`
}

// Decompose splits a into rotation, scale, skew and translation. The
// formulas are the ones the bias fit is calibrated against; do not change
// them without refitting.
func Decompose(a Affine) Decomposition {
	scaleX := math.Sqrt(a[0]*a[0] + a[3]*a[3])
	scaleY := (a[4]*a[0] - a[1]*a[3]) / scaleX
	return Decomposition{
		Rot:    math.Atan2(a[3], a[0]),
		ScaleX: scaleX,
		ScaleY: scaleY,
		SkewX:  (a[0]*a[1] + a[3]*a[4]) / (scaleX * scaleY),
		TX:     a[2],
		TY:     a[5],
	}
}

// Recompose rebuilds the affine described by d.
func Recompose(d Decomposition) Affine {
	m := ScaleMatrix(d.ScaleX, d.ScaleY)
	m = Compose(SkewMatrix(d.SkewX), m)
	m = Compose(RotationMatrix(d.Rot), m)
	return Compose(TranslationMatrix(d.TX, d.TY), m)
}

// ScaleMatrix returns diag(sx, sy).
func ScaleMatrix(sx, sy float64) Affine {
	return Affine{sx, 0, 0, 0, sy, 0}
}

// SkewMatrix returns a horizontal shear.
func SkewMatrix(k float64) Affine {
	return Affine{1, k, 0, 0, 1, 0}
}

// RotationMatrix returns a counter-clockwise rotation by theta radians.
func RotationMatrix(theta float64) Affine {
	c, s := math.Cos(theta), math.Sin(theta)
	return Affine{c, -s, 0, s, c, 0}
}

// TranslationMatrix returns a pure translation.
func TranslationMatrix(tx, ty float64) Affine {
	return Affine{1, 0, tx, 0, 1, ty}
}
