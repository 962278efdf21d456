package pipeline

import "image"

// Luminance weights of a zero-saturation color matrix, scaled by 1000.
const (
	lumaR = 213
	lumaG = 715
	lumaB = 72
)

// Invert desaturates src and inverts the gray level, producing a photo
// negative in grayscale. Alpha is copied through. src is not modified.
func Invert(src *image.NRGBA) *image.NRGBA {
	bounds := src.Bounds()
	dst := image.NewNRGBA(bounds)
	rowBytes := bounds.Dx() * 4

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		srcOff := src.PixOffset(bounds.Min.X, y)
		dstOff := dst.PixOffset(bounds.Min.X, y)
		s := src.Pix[srcOff : srcOff+rowBytes]
		d := dst.Pix[dstOff : dstOff+rowBytes]

		for i := 0; i < rowBytes; i += 4 {
			v := 255 - gray(s[i], s[i+1], s[i+2])
			d[i] = v
			d[i+1] = v
			d[i+2] = v
			d[i+3] = s[i+3]
		}
	}
	return dst
}

func gray(r, g, b uint8) uint8 {
	// Weights sum to 1000, so the rounded result never exceeds 255.
	return uint8((lumaR*uint32(r) + lumaG*uint32(g) + lumaB*uint32(b) + 500) / 1000)
}
