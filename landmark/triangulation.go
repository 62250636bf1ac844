// Package landmark initializes landmark positions from multi-view observations or measured depth,
// resolves ambiguous associations, and turns the landmarks of a window snapshot into reprojection
// factors.
package landmark

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/spatialmath"
)

// View is one observation of a point together with the world pose of the observing camera.
type View struct {
	Camera spatialmath.Pose
	// Point is on the normalized image plane.
	Point r2.Point
}

// Bearing is the unit ray of the view in the world frame.
func (v View) Bearing() r3.Vector {
	return spatialmath.QuatRotate(v.Camera.Orientation, r3.Vector{X: v.Point.X, Y: v.Point.Y, Z: 1}).Normalize()
}

// Triangulate computes a point from two or more views with the linear DLT method: each view adds
// the rows x*P3 - P1 and y*P3 - P2 of its world-to-camera projection, and the point is the right
// singular vector of the smallest singular value.
func Triangulate(views []View) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, errors.Errorf("triangulation needs 2 views, got %d", len(views))
	}
	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		inv := v.Camera.Inverse()
		rot := spatialmath.QuatToRotationMatrix(inv.Orientation)
		t := []float64{inv.Position.X, inv.Position.Y, inv.Position.Z}
		var proj [3][4]float64
		for r := 0; r < 3; r++ {
			row := rot.Row(r)
			proj[r] = [4]float64{row.X, row.Y, row.Z, t[r]}
		}
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, v.Point.X*proj[2][c]-proj[0][c])
			a.Set(2*i+1, c, v.Point.Y*proj[2][c]-proj[1][c])
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.New("failed to factorize triangulation system")
	}
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, errors.New("zero rank triangulation system")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, errors.New("triangulated point at infinity")
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}

// MaxParallax is the largest angle in radians between the bearings of any two views.
func MaxParallax(views []View) float64 {
	best := 0.
	for i := range views {
		bi := views[i].Bearing()
		for j := i + 1; j < len(views); j++ {
			if a := float64(bi.Angle(views[j].Bearing())); a > best {
				best = a
			}
		}
	}
	return best
}

// FromDepth back-projects a normalized point at a measured depth into the world.
func FromDepth(camera spatialmath.Pose, pt r2.Point, depth float64) r3.Vector {
	return camera.TransformPoint(r3.Vector{X: pt.X * depth, Y: pt.Y * depth, Z: depth})
}

// Depth is the z coordinate of a world point in the camera frame.
func Depth(camera spatialmath.Pose, p r3.Vector) float64 {
	return camera.InverseTransformPoint(p).Z
}
