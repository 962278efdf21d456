package pipeline

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// stdlibCodec decodes at full resolution and box-filters down to the sampled
// size, so peak memory is one full-size frame during Decode.
type stdlibCodec struct{}

func (stdlibCodec) Probe(r io.Reader) (ProbeResult, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read image bounds: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: %s %dx%d", ErrInvalidDimensions, format, cfg.Width, cfg.Height)
	}
	return ProbeResult{Width: cfg.Width, Height: cfg.Height}, nil
}

func (stdlibCodec) Decode(r io.Reader, sampleSize int) (*image.NRGBA, error) {
	src, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, ErrEmptyImage
	}
	if sampleSize <= 1 {
		return imaging.Clone(src), nil
	}

	width, height := sampledDimensions(bounds.Dx(), bounds.Dy(), sampleSize)
	return imaging.Resize(src, width, height, imaging.Box), nil
}

func (stdlibCodec) Encode(w io.Writer, img image.Image, quality int) error {
	if err := encodeJPEG(w, img, quality); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}
