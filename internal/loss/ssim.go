package loss

// blur convolves a w*h plane with the separable Gaussian window using zero
// padding. The operator is self-adjoint, which the SSIM gradient relies on.
func blur(dst, src, tmp []float64, w, h int) {
	const r = windowSize / 2
	for y := range h {
		row := src[y*w : (y+1)*w]
		for x := range w {
			var s float64
			for k := -r; k <= r; k++ {
				if xx := x + k; xx >= 0 && xx < w {
					s += window[k+r] * row[xx]
				}
			}
			tmp[y*w+x] = s
		}
	}
	for y := range h {
		for x := range w {
			var s float64
			for k := -r; k <= r; k++ {
				if yy := y + k; yy >= 0 && yy < h {
					s += window[k+r] * tmp[yy*w+x]
				}
			}
			dst[y*w+x] = s
		}
	}
}

// ssimChannels returns the mean SSIM over every channel. When grad is not nil
// it adds scale * dSSIM/dImg to it.
func ssimChannels(img, gt []float32, w, h int, grad []float64, scale float64) float64 {
	n := w * h
	planes := make([][]float64, 12)
	for i := range planes {
		planes[i] = make([]float64, n)
	}
	x, y, tmp := planes[0], planes[1], planes[2]
	xx, yy, xy := planes[3], planes[4], planes[5]
	mx, my, sxx, syy, sxy := planes[6], planes[7], planes[8], planes[9], planes[10]
	work := planes[11]

	total := float64(n * 3)
	var sum float64
	for ch := range 3 {
		for i := range n {
			a, b := float64(img[i*3+ch]), float64(gt[i*3+ch])
			x[i], y[i] = a, b
			xx[i], yy[i], xy[i] = a*a, b*b, a*b
		}
		blur(mx, x, tmp, w, h)
		blur(my, y, tmp, w, h)
		blur(sxx, xx, tmp, w, h)
		blur(syy, yy, tmp, w, h)
		blur(sxy, xy, tmp, w, h)

		for i := range n {
			ux, uy := mx[i], my[i]
			vx := sxx[i] - ux*ux
			vy := syy[i] - uy*uy
			cxy := sxy[i] - ux*uy
			n1 := 2*ux*uy + ssimC1
			n2 := 2*cxy + ssimC2
			d1 := ux*ux + uy*uy + ssimC1
			d2 := vx + vy + ssimC2
			s := n1 * n2 / (d1 * d2)
			sum += s
			if grad == nil {
				continue
			}
			// Partials with respect to the blurred moments E[x], E[x^2]
			// and E[xy]; stored in place of the moment planes.
			dVar := -s / d2
			dCov := 2 * n1 / (d1 * d2)
			dMean := 2*uy*n2/(d1*d2) - 2*ux*s/d1 - 2*ux*dVar - uy*dCov
			mx[i], sxx[i], sxy[i] = dMean, dVar, dCov
		}
		if grad == nil {
			continue
		}
		blur(work, mx, tmp, w, h)
		blur(mx, sxx, tmp, w, h)
		blur(sxx, sxy, tmp, w, h)
		k := scale / total
		for i := range n {
			g := work[i] + 2*x[i]*mx[i] + y[i]*sxx[i]
			grad[i*3+ch] += k * g
		}
	}
	return sum / total
}
