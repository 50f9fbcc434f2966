package splat

// Real spherical-harmonics constants up to degree 3.
const (
	shC0 = 0.28209479177387814
	shC1 = 0.4886025119029199
)

var (
	shC2 = [5]float32{1.0925484305920792, -1.0925484305920792, 0.31539156525252005, -1.0925484305920792, 0.5462742152960396}
	shC3 = [7]float32{-0.5900435899266435, 2.890611442640554, -0.4570457994644658, 0.3731763325901154, -0.4570457994644658, 1.445305721320277, -0.5900435899266435}
)

// MaxSHDegree is the highest degree SHBasis evaluates.
const MaxSHDegree = 3

// RGBToSH converts a colour channel in [0, 1] to the DC coefficient.
func RGBToSH(c float32) float32 {
	return (c - 0.5) / shC0
}

// SHToRGB converts a DC coefficient back to a colour channel.
func SHToRGB(dc float32) float32 {
	return dc*shC0 + 0.5
}

// SHBasis writes the basis values Y_k(dir) for k < NumSHCoeffs(degree) into
// out. dir must be unit length; degree is clamped to MaxSHDegree.
func SHBasis(degree int, dir [3]float32, out []float32) {
	degree = min(degree, MaxSHDegree)
	out[0] = shC0
	if degree < 1 {
		return
	}
	x, y, z := dir[0], dir[1], dir[2]
	out[1] = -shC1 * y
	out[2] = shC1 * z
	out[3] = -shC1 * x
	if degree < 2 {
		return
	}
	xx, yy, zz := x*x, y*y, z*z
	xy, yz, xz := x*y, y*z, x*z
	out[4] = shC2[0] * xy
	out[5] = shC2[1] * yz
	out[6] = shC2[2] * (2*zz - xx - yy)
	out[7] = shC2[3] * xz
	out[8] = shC2[4] * (xx - yy)
	if degree < 3 {
		return
	}
	out[9] = shC3[0] * y * (3*xx - yy)
	out[10] = shC3[1] * xy * z
	out[11] = shC3[2] * y * (4*zz - xx - yy)
	out[12] = shC3[3] * z * (2*zz - 3*xx - 3*yy)
	out[13] = shC3[4] * x * (4*zz - xx - yy)
	out[14] = shC3[5] * z * (xx - yy)
	out[15] = shC3[6] * x * (xx - 3*yy)
}

// EvalSH returns the view-dependent colour (before clamping) of a splat with
// coefficients coeffs (layout k*3+channel) for a unit view direction.
// basis must have room for NumSHCoeffs(degree) values; it is overwritten.
func EvalSH(degree int, coeffs []float32, dir [3]float32, basis []float32) [3]float32 {
	degree = min(degree, MaxSHDegree)
	SHBasis(degree, dir, basis)
	var rgb [3]float32
	for k := range NumSHCoeffs(degree) {
		y := basis[k]
		rgb[0] += y * coeffs[k*3]
		rgb[1] += y * coeffs[k*3+1]
		rgb[2] += y * coeffs[k*3+2]
	}
	for c := range 3 {
		rgb[c] += 0.5
	}
	return rgb
}
