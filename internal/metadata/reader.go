package metadata

import (
	"fmt"
	"os"

	"github.com/rwcarlsen/goexif/exif"
)

type Info struct {
	Description string
	Latitude    float64
	Longitude   float64
	HasLocation bool
}

// Read returns the description and GPS position stored in the file at path.
func Read(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, &Error{Op: "read", Path: path, Err: err}
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return Info{}, &Error{Op: "decode", Path: path, Err: fmt.Errorf("no EXIF metadata: %w", err)}
	}

	var info Info
	if tag, err := x.Get(exif.ImageDescription); err == nil {
		if v, err := tag.StringVal(); err == nil {
			info.Description = v
		}
	}
	if lat, lon, err := x.LatLong(); err == nil {
		info.Latitude, info.Longitude, info.HasLocation = lat, lon, true
	}
	return info, nil
}
