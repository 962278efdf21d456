package pipeline

import (
	"image"
	"io"

	"github.com/disintegration/imaging"
)

// JPEGQuality is the fixed encode quality for every output.
const JPEGQuality = 100

type ProbeResult struct {
	Width  int
	Height int
}

// Codec is the boundary to the image decoder/encoder.
type Codec interface {
	// Probe reads only the image header.
	Probe(r io.Reader) (ProbeResult, error)
	// Decode decodes the full image reduced by sampleSize in each dimension.
	Decode(r io.Reader, sampleSize int) (*image.NRGBA, error)
	Encode(w io.Writer, img image.Image, quality int) error
}

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = JPEGQuality
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

func sampledDimensions(width, height, sampleSize int) (int, int) {
	if sampleSize < 1 {
		sampleSize = 1
	}
	return max(1, width/sampleSize), max(1, height/sampleSize)
}
