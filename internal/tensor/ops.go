package tensor

import (
	"math"
)

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Logit is the inverse of Sigmoid. p is clamped away from 0 and 1.
func Logit(p float32) float32 {
	const eps = 1e-6
	q := math.Min(math.Max(float64(p), eps), 1-eps)
	return float32(math.Log(q / (1 - q)))
}

// Exp is a float32 convenience wrapper.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Log is a float32 convenience wrapper.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// Finite reports whether every element is neither NaN nor infinite.
func Finite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean norm of x.
func Norm(x []float32) float32 {
	return float32(math.Sqrt(float64(Dot(x, x))))
}

// NormalizeQuat normalises a (w, x, y, z) quaternion in place. A zero
// quaternion becomes the identity.
func NormalizeQuat(q []float32) {
	n := Norm(q[:4])
	if n == 0 {
		q[0], q[1], q[2], q[3] = 1, 0, 0, 0
		return
	}
	inv := 1 / n
	for i := range 4 {
		q[i] *= inv
	}
}

// QuatToRotation writes the row-major 3x3 rotation matrix of the (w, x, y, z)
// quaternion q into r. q need not be normalised.
func QuatToRotation(r *[9]float32, q []float32) {
	var u [4]float32
	copy(u[:], q[:4])
	NormalizeQuat(u[:])
	w, x, y, z := u[0], u[1], u[2], u[3]

	r[0] = 1 - 2*(y*y+z*z)
	r[1] = 2 * (x*y - w*z)
	r[2] = 2 * (x*z + w*y)
	r[3] = 2 * (x*y + w*z)
	r[4] = 1 - 2*(x*x+z*z)
	r[5] = 2 * (y*z - w*x)
	r[6] = 2 * (x*z - w*y)
	r[7] = 2 * (y*z + w*x)
	r[8] = 1 - 2*(x*x+y*y)
}

// MulMat3Vec computes dst = r * v for a row-major 3x3 matrix.
func MulMat3Vec(dst *[3]float32, r *[9]float32, v [3]float32) {
	dst[0] = r[0]*v[0] + r[1]*v[1] + r[2]*v[2]
	dst[1] = r[3]*v[0] + r[4]*v[1] + r[5]*v[2]
	dst[2] = r[6]*v[0] + r[7]*v[1] + r[8]*v[2]
}

// MulMat3TVec computes dst = rᵀ * v for a row-major 3x3 matrix.
func MulMat3TVec(dst *[3]float32, r *[9]float32, v [3]float32) {
	dst[0] = r[0]*v[0] + r[3]*v[1] + r[6]*v[2]
	dst[1] = r[1]*v[0] + r[4]*v[1] + r[7]*v[2]
	dst[2] = r[2]*v[0] + r[5]*v[1] + r[8]*v[2]
}

// Mean returns the arithmetic mean of x, or 0 for an empty slice.
func Mean(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	return float32(sum / float64(len(x)))
}
