// Package loss implements the photometric training loss and the image
// quality metrics used for evaluation. Images are row-major H*W*3 float32
// buffers; all arithmetic is done in float64.
package loss

import (
	"errors"
	"fmt"
	"math"
)

// ErrSizeMismatch is returned when two images do not have the same shape.
var ErrSizeMismatch = errors.New("loss: image size mismatch")

const (
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
	windowSize = 11
	windowSig  = 1.5
)

var window = func() [windowSize]float64 {
	var w [windowSize]float64
	var sum float64
	for i := range w {
		d := float64(i - windowSize/2)
		w[i] = math.Exp(-d * d / (2 * windowSig * windowSig))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}()

// Result holds the terms of a photometric loss evaluation.
type Result struct {
	Loss float64
	L1   float64
	SSIM float64
}

// Photometric is (1-Lambda)*L1 + Lambda*(1-SSIM).
type Photometric struct {
	Lambda float64
}

func check(img, gt []float32, w, h int) error {
	if w <= 0 || h <= 0 || len(img) != w*h*3 || len(gt) != w*h*3 {
		return fmt.Errorf("%w: %d and %d values for %dx%dx3", ErrSizeMismatch, len(img), len(gt), w, h)
	}
	return nil
}

// Compute returns the loss and dLoss/dImg.
func (p Photometric) Compute(img, gt []float32, w, h int) (Result, []float32, error) {
	if err := check(img, gt, w, h); err != nil {
		return Result{}, nil, err
	}
	n := float64(len(img))
	grad := make([]float64, len(img))

	l1 := L1(img, gt)
	wl1 := (1 - p.Lambda) / n
	for i := range img {
		switch d := img[i] - gt[i]; {
		case d > 0:
			grad[i] = wl1
		case d < 0:
			grad[i] = -wl1
		}
	}

	var ssim float64
	if p.Lambda != 0 {
		ssim = ssimChannels(img, gt, w, h, grad, -p.Lambda)
	} else {
		ssim = ssimChannels(img, gt, w, h, nil, 0)
	}

	out := make([]float32, len(grad))
	for i, g := range grad {
		out[i] = float32(g)
	}
	res := Result{
		Loss: (1-p.Lambda)*l1 + p.Lambda*(1-ssim),
		L1:   l1,
		SSIM: ssim,
	}
	return res, out, nil
}

// L1 returns the mean absolute difference.
func L1(img, gt []float32) float64 {
	if len(img) == 0 {
		return 0
	}
	var sum float64
	for i := range img {
		sum += math.Abs(float64(img[i]) - float64(gt[i]))
	}
	return sum / float64(len(img))
}

// MSE returns the mean squared difference.
func MSE(img, gt []float32) float64 {
	if len(img) == 0 {
		return 0
	}
	var sum float64
	for i := range img {
		d := float64(img[i]) - float64(gt[i])
		sum += d * d
	}
	return sum / float64(len(img))
}

// PSNR returns the peak signal-to-noise ratio in dB for a peak value of 1.
// Identical images give +Inf.
func PSNR(img, gt []float32) float64 {
	mse := MSE(img, gt)
	if mse == 0 {
		return math.Inf(1)
	}
	return -10 * math.Log10(mse)
}

// SSIM returns the mean structural similarity over all channels.
func SSIM(img, gt []float32, w, h int) (float64, error) {
	if err := check(img, gt, w, h); err != nil {
		return 0, err
	}
	return ssimChannels(img, gt, w, h, nil, 0), nil
}
