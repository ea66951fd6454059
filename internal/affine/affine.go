// Package affine implements the 2x3 affine arithmetic used throughout the
// alignment pipeline. Matrices are stored row-major as [a b tx c d ty].
package affine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when an affine has no inverse.
	ErrSingular = errors.New("affine: singular matrix")
	// ErrShape is returned when a nested list is not 2x3.
	ErrShape = errors.New("affine: matrix is not 2x3")
)

// Affine is a 2x3 affine transform, rows [a b tx] and [c d ty].
type Affine f64.Aff3

// Point is a 2D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Identity returns [[1,0,0],[0,1,0]].
func Identity() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

// Compose returns the transform equivalent to applying b first and then a.
func Compose(a, b Affine) Affine {
	return Affine{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Invert promotes a to homogeneous 3x3 form, inverts it and truncates the
// result back to 2x3.
func Invert(a Affine) (Affine, error) {
	h := mat.NewDense(3, 3, []float64{
		a[0], a[1], a[2],
		a[3], a[4], a[5],
		0, 0, 1,
	})
	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		return Identity(), fmt.Errorf("%w: %v", ErrSingular, err)
	}
	out := Affine{
		inv.At(0, 0), inv.At(0, 1), inv.At(0, 2),
		inv.At(1, 0), inv.At(1, 1), inv.At(1, 2),
	}
	if !out.IsFinite() {
		return Identity(), ErrSingular
	}
	return out, nil
}

// Apply maps p through a.
func (a Affine) Apply(p Point) Point {
	return Point{
		X: a[0]*p.X + a[1]*p.Y + a[2],
		Y: a[3]*p.X + a[4]*p.Y + a[5],
	}
}

// ApplyAll maps every point through a.
func (a Affine) ApplyAll(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = a.Apply(p)
	}
	return out
}

// Rescale multiplies the translation column by factor. Used when moving an
// affine between resolution levels.
func Rescale(a Affine, factor float64) Affine {
	a[2] *= factor
	a[5] *= factor
	return a
}

// IsFinite reports whether every coefficient is a finite number.
func (a Affine) IsFinite() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// IsIdentity reports whether a equals the identity exactly.
func (a Affine) IsIdentity() bool {
	return a == Identity()
}

// AlmostEqual compares coefficient-wise within tol.
func AlmostEqual(a, b Affine, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// Rows returns the nested list form used by section records.
func (a Affine) Rows() [][]float64 {
	return [][]float64{
		{a[0], a[1], a[2]},
		{a[3], a[4], a[5]},
	}
}

// FromRows validates a nested list and converts it to an Affine.
func FromRows(rows [][]float64) (Affine, error) {
	if len(rows) != 2 || len(rows[0]) != 3 || len(rows[1]) != 3 {
		return Identity(), ErrShape
	}
	return Affine{
		rows[0][0], rows[0][1], rows[0][2],
		rows[1][0], rows[1][1], rows[1][2],
	}, nil
}

// MarshalJSON encodes a as [[a,b,tx],[c,d,ty]].
func (a Affine) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Rows())
}

// UnmarshalJSON decodes a nested 2x3 list.
func (a *Affine) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	v, err := FromRows(rows)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a Affine) String() string {
	return fmt.Sprintf("[[%.6f %.6f %.6f] [%.6f %.6f %.6f]]", a[0], a[1], a[2], a[3], a[4], a[5])
}
