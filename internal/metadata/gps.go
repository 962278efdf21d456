package metadata

import (
	"math"
	"strings"
	"time"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/dunamismax/bitmapmanipulator/internal/domain"
)

// Optional GPS tags, cleared when the location no longer carries them.
const (
	tagGPSAltitudeRef      = 0x0005
	tagGPSAltitude         = 0x0006
	tagGPSTimeStamp        = 0x0007
	tagGPSProcessingMethod = 0x001B
	tagGPSDateStamp        = 0x001D
)

type gpsField struct {
	name  string
	value any
}

// setGPS writes loc into the GPS IFD under rootIb, creating the IFD when the
// file has none.
func setGPS(rootIb *exif.IfdBuilder, loc domain.Location) error {
	gps, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/GPSInfo")
	if err != nil {
		return err
	}

	latRef, lonRef := "N", "E"
	if loc.Latitude < 0 {
		latRef = "S"
	}
	if loc.Longitude < 0 {
		lonRef = "W"
	}

	set := []gpsField{
		{"GPSVersionID", []byte{2, 2, 0, 0}},
		{"GPSLatitudeRef", latRef},
		{"GPSLatitude", toDMS(loc.Latitude)},
		{"GPSLongitudeRef", lonRef},
		{"GPSLongitude", toDMS(loc.Longitude)},
	}
	var unset []uint16

	if loc.Altitude != nil {
		ref := byte(0)
		if *loc.Altitude < 0 {
			ref = 1
		}
		alt := uint32(math.Round(math.Abs(*loc.Altitude) * 1000))
		set = append(set,
			gpsField{"GPSAltitudeRef", []byte{ref}},
			gpsField{"GPSAltitude", []exifcommon.Rational{{Numerator: alt, Denominator: 1000}}},
		)
	} else {
		unset = append(unset, tagGPSAltitudeRef, tagGPSAltitude)
	}

	if !loc.Time.IsZero() {
		ts := loc.Time.UTC()
		millis := uint32(ts.Second())*1000 + uint32(ts.Nanosecond()/int(time.Millisecond))
		set = append(set,
			gpsField{"GPSTimeStamp", []exifcommon.Rational{
				{Numerator: uint32(ts.Hour()), Denominator: 1},
				{Numerator: uint32(ts.Minute()), Denominator: 1},
				{Numerator: millis, Denominator: 1000},
			}},
			gpsField{"GPSDateStamp", ts.Format("2006:01:02")},
		)
	} else {
		unset = append(unset, tagGPSTimeStamp, tagGPSDateStamp)
	}

	for _, s := range set {
		if err := gps.SetStandardWithName(s.name, s.value); err != nil {
			return err
		}
	}
	for _, id := range unset {
		if _, err := gps.DeleteAll(id); err != nil {
			return err
		}
	}
	return setProcessingMethod(gps, loc.Provider)
}

// setProcessingMethod stores provider as UNDEFINED text behind the ASCII
// character code, or removes the tag when provider is blank.
func setProcessingMethod(gps *exif.IfdBuilder, provider string) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		_, err := gps.DeleteAll(tagGPSProcessingMethod)
		return err
	}

	raw := append([]byte("ASCII\x00\x00\x00"), provider...)
	return gps.Set(exif.NewBuilderTag(
		exifcommon.IfdGpsInfoStandardIfdIdentity.UnindexedString(),
		tagGPSProcessingMethod,
		exifcommon.TypeUndefined,
		exif.NewIfdBuilderTagValueFromBytes(raw),
		exifcommon.EncodeDefaultByteOrder,
	))
}

// toDMS splits an absolute coordinate into degrees, minutes and seconds
// with the seconds kept to 1/10000.
func toDMS(v float64) []exifcommon.Rational {
	const secDen = 10000

	v = math.Abs(v)
	deg := math.Floor(v)
	minutes := (v - deg) * 60
	mins := math.Floor(minutes)
	secs := uint32(math.Round((minutes - mins) * 60 * secDen))

	if secs >= 60*secDen {
		secs -= 60 * secDen
		mins++
	}
	if mins >= 60 {
		mins -= 60
		deg++
	}
	return []exifcommon.Rational{
		{Numerator: uint32(deg), Denominator: 1},
		{Numerator: uint32(mins), Denominator: 1},
		{Numerator: secs, Denominator: secDen},
	}
}
