//go:build govips && cgo

package pipeline

import (
	"fmt"
	"image"
	"io"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

// libjpeg can only shrink on load by 2, 4 or 8.
const maxJpegShrink = 8

// govipsCodec shrinks JPEG sources while decoding, which keeps the full-size
// frame out of memory. Other formats are resized after load.
type govipsCodec struct{}

func (govipsCodec) Probe(r io.Reader) (ProbeResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read source: %w", err)
	}

	// vips loads lazily; only the header is parsed here.
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read image bounds: %w", err)
	}
	defer img.Close()

	if img.Width() <= 0 || img.Height() <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, img.Width(), img.Height())
	}
	return ProbeResult{Width: img.Width(), Height: img.Height()}, nil
}

func (govipsCodec) Decode(r io.Reader, sampleSize int) (*image.NRGBA, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	shrink := 1
	params := vips.NewImportParams()
	if sampleSize > 1 && vips.DetermineImageType(data) == vips.ImageTypeJPEG {
		shrink = min(sampleSize, maxJpegShrink)
		params.JpegShrinkFactor.Set(shrink)
	}

	img, err := vips.LoadImageFromBuffer(data, params)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if rest := sampleSize / shrink; rest > 1 {
		if err := img.Resize(1/float64(rest), vips.KernelLinear); err != nil {
			return nil, fmt.Errorf("downsample image: %w", err)
		}
	}

	decoded, err := img.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, fmt.Errorf("export decoded pixels: %w", err)
	}
	if decoded.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return imaging.Clone(decoded), nil
}

func (govipsCodec) Encode(w io.Writer, img image.Image, quality int) error {
	if err := encodeJPEG(w, img, quality); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}
