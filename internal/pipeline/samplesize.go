package pipeline

import "fmt"

// ComputeSampleSize returns the power-of-two decode divisor for an image of
// width x height so that the halved dimensions, divided by the factor, stay
// at or above maxDimension. Images already within maxDimension decode at 1.
//
// maxDimension must be positive; the doubling loop has no bound otherwise,
// so a non-positive value panics.
func ComputeSampleSize(width, height, maxDimension int) int {
	if maxDimension <= 0 {
		panic(fmt.Sprintf("pipeline: max dimension must be positive, got %d", maxDimension))
	}

	sampleSize := 1
	if height > maxDimension || width > maxDimension {
		halfHeight := height / 2
		halfWidth := width / 2
		for halfHeight/sampleSize >= maxDimension && halfWidth/sampleSize >= maxDimension {
			sampleSize *= 2
		}
	}
	return sampleSize
}
