package plate

import (
	"image"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// Preprocessing constants.
const (
	// UpscaleFactor enlarges the crop before recognition.
	UpscaleFactor = 2
	// ContrastGain is the multiplicative contrast applied after upscaling.
	ContrastGain = 1.5
	// BrightnessOffset is added after the contrast gain.
	BrightnessOffset = 10
	// BlurKernelSize is the Gaussian smoothing kernel (5x5).
	BlurKernelSize = 5
)

// Preprocess enhances a crop for text recognition:
//  1. Upscale 2x
//  2. Contrast gain 1.5, offset 10, saturating to 0-255
//  3. 5x5 Gaussian blur
//
// If any step fails, it returns a copy of the original crop. The caller owns
// the returned Mat.
func Preprocess(crop gocv.Mat) gocv.Mat {
	if crop.Empty() {
		log.Warn().Msg("preprocess: empty crop, keeping original")
		return crop.Clone()
	}

	resized := gocv.NewMat()
	defer resized.Close()
	size := image.Pt(crop.Cols()*UpscaleFactor, crop.Rows()*UpscaleFactor)
	gocv.Resize(crop, &resized, size, 0, 0, gocv.InterpolationLinear)
	if resized.Empty() {
		log.Error().Msg("preprocess: resize failed, keeping original")
		return crop.Clone()
	}

	contrast := gocv.NewMat()
	defer contrast.Close()
	gocv.ConvertScaleAbs(resized, &contrast, ContrastGain, BrightnessOffset)
	if contrast.Empty() {
		log.Error().Msg("preprocess: contrast adjustment failed, keeping original")
		return crop.Clone()
	}

	blurred := gocv.NewMat()
	gocv.GaussianBlur(contrast, &blurred, image.Pt(BlurKernelSize, BlurKernelSize), 0, 0, gocv.BorderDefault)
	if blurred.Empty() {
		blurred.Close()
		log.Error().Msg("preprocess: blur failed, keeping original")
		return crop.Clone()
	}

	return blurred
}
