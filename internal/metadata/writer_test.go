package metadata

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jis "github.com/dsoprea/go-jpeg-image-structure/v2"
	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/rwcarlsen/goexif/exif"
)

func TestApplyWritesDescriptionAndLocation(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 40, 30)

	loc := domain.Location{Latitude: 52.229676, Longitude: 21.012229}
	if err := NewWriter().Apply(path, "Warsaw, old town", loc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	info, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if info.Description != "Warsaw, old town" {
		t.Fatalf("expected description to round-trip, got %q", info.Description)
	}
	if !info.HasLocation {
		t.Fatal("expected GPS location to be present")
	}
	assertClose(t, "latitude", info.Latitude, loc.Latitude)
	assertClose(t, "longitude", info.Longitude, loc.Longitude)

	img := decodeJPEG(t, path)
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Fatalf("image data damaged: bounds %v", img.Bounds())
	}
}

func TestApplySouthernWesternHemisphere(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)

	loc := domain.Location{Latitude: -34.603722, Longitude: -58.381592}
	if err := NewWriter().Apply(path, "Buenos Aires", loc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	info, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	assertClose(t, "latitude", info.Latitude, loc.Latitude)
	assertClose(t, "longitude", info.Longitude, loc.Longitude)
}

func TestApplyIsIdempotent(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 16, 16)
	alt := 112.5
	loc := domain.Location{Latitude: 1.5, Longitude: 2.25, Altitude: &alt}
	w := NewWriter()

	if err := w.Apply(path, "same", loc); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}

	if err := w.Apply(path, "same", loc); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatal("expected re-applying identical metadata to produce identical bytes")
	}
}

func TestApplyOptionalGPSFields(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)
	alt := -12.0
	loc := domain.Location{
		Latitude:  10,
		Longitude: 20,
		Altitude:  &alt,
		Time:      time.Date(2024, 3, 9, 17, 4, 5, 250*int(time.Millisecond), time.UTC),
		Provider:  "gps",
	}
	if err := NewWriter().Apply(path, "", loc); err != nil {
		t.Fatalf("apply: %v", err)
	}

	x := decodeEXIF(t, path)

	ref, err := x.Get(exif.GPSAltitudeRef)
	if err != nil {
		t.Fatalf("get altitude ref: %v", err)
	}
	if v, _ := ref.Int(0); v != 1 {
		t.Fatalf("expected below-sea-level altitude ref 1, got %d", v)
	}

	altTag, err := x.Get(exif.GPSAltitude)
	if err != nil {
		t.Fatalf("get altitude: %v", err)
	}
	num, den, err := altTag.Rat2(0)
	if err != nil || den == 0 || float64(num)/float64(den) != 12 {
		t.Fatalf("expected altitude 12, got %d/%d (%v)", num, den, err)
	}

	date, err := x.Get(exif.GPSDateStamp)
	if err != nil {
		t.Fatalf("get date stamp: %v", err)
	}
	if v, _ := date.StringVal(); v != "2024:03:09" {
		t.Fatalf("expected date stamp 2024:03:09, got %q", v)
	}

	method, err := x.Get(exif.GPSProcessingMethod)
	if err != nil {
		t.Fatalf("get processing method: %v", err)
	}
	if !strings.HasSuffix(string(method.Val), "gps") {
		t.Fatalf("expected processing method to end with provider, got %q", method.Val)
	}
}

func TestApplyDropsOptionalGPSFieldsOnReapply(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)
	alt := 30.0
	w := NewWriter()

	full := domain.Location{Latitude: 10, Longitude: 20, Altitude: &alt, Time: time.Now(), Provider: "network"}
	if err := w.Apply(path, "first", full); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := w.Apply(path, "second", domain.Location{Latitude: 10, Longitude: 20}); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	x := decodeEXIF(t, path)
	for _, name := range []exif.FieldName{exif.GPSAltitude, exif.GPSDateStamp, exif.GPSProcessingMethod} {
		if _, err := x.Get(name); err == nil {
			t.Fatalf("expected %s to be removed", name)
		}
	}
	if _, err := x.Get(exif.GPSLatitude); err != nil {
		t.Fatalf("expected latitude to remain: %v", err)
	}
}

func TestApplyPreservesExistingTextFields(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)

	seedEXIF(t, path, map[string]string{"Make": "Pentax", "ImageDescription": "old"})

	if err := NewWriter().Apply(path, "new", domain.Location{Latitude: 1, Longitude: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	x := decodeEXIF(t, path)
	mk, err := x.Get(exif.Make)
	if err != nil {
		t.Fatalf("expected Make to survive: %v", err)
	}
	if v, _ := mk.StringVal(); v != "Pentax" {
		t.Fatalf("expected Make=Pentax, got %q", v)
	}
	desc, _ := x.Get(exif.ImageDescription)
	if v, _ := desc.StringVal(); v != "new" {
		t.Fatalf("expected description replaced, got %q", v)
	}

	rewritten, _ := os.ReadFile(path)
	if n := bytes.Count(rewritten, []byte("Exif\x00\x00")); n != 1 {
		t.Fatalf("expected exactly one EXIF block, found %d", n)
	}
}

func TestApplyInsertsAfterJFIFHeader(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)
	data, _ := os.ReadFile(path)

	jfif := []byte{0xFF, jis.MARKER_APP0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}
	withJFIF := append(append([]byte{0xFF, jis.MARKER_SOI}, jfif...), data[2:]...)
	if err := os.WriteFile(path, withJFIF, 0o644); err != nil {
		t.Fatalf("write jfif file: %v", err)
	}

	if err := NewWriter().Apply(path, "jfif", domain.Location{}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rewritten, _ := os.ReadFile(path)
	sl, err := parseJPEG(rewritten)
	if err != nil {
		t.Fatalf("parse rewritten: %v", err)
	}
	segs := sl.Segments()
	if segs[1].MarkerId != jis.MARKER_APP0 || segs[2].MarkerId != jis.MARKER_APP1 {
		t.Fatalf("expected APP0 then APP1, got 0x%02X 0x%02X", segs[1].MarkerId, segs[2].MarkerId)
	}
	if info, err := Read(path); err != nil || info.Description != "jfif" {
		t.Fatalf("expected readable description, got %+v (%v)", info, err)
	}
}

func TestApplyRejectsNonJPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := NewWriter().Apply(path, "x", domain.Location{})
	var merr *Error
	if !errors.As(err, &merr) || merr.Op != "parse" {
		t.Fatalf("expected parse metadata error, got %v", err)
	}
	if !errors.Is(err, ErrNotJPEG) {
		t.Fatalf("expected ErrNotJPEG, got %v", err)
	}
}

func TestApplyMissingFile(t *testing.T) {
	err := NewWriter().Apply(filepath.Join(t.TempDir(), "gone.jpeg"), "x", domain.Location{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestApplyOversizedNoteLeavesFileUntouched(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), 8, 8)
	before, _ := os.ReadFile(path)

	err := NewWriter().Apply(path, strings.Repeat("n", 70_000), domain.Location{})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Fatal("expected file to be unchanged after failed apply")
	}
}

func TestToDMSCarriesRoundedSeconds(t *testing.T) {
	dms := toDMS(10.99999999999)
	if dms[0].Numerator != 11 || dms[1].Numerator != 0 || dms[2].Numerator != 0 {
		t.Fatalf("expected 11 0 0, got %d %d %d", dms[0].Numerator, dms[1].Numerator, dms[2].Numerator)
	}

	dms = toDMS(-33.5)
	if dms[0].Numerator != 33 || dms[1].Numerator != 30 || dms[2].Numerator != 0 {
		t.Fatalf("expected 33 30 0, got %d %d %d", dms[0].Numerator, dms[1].Numerator, dms[2].Numerator)
	}
}

func writeTestJPEG(t *testing.T, dir string, w, h int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	path := filepath.Join(dir, "bitmapmanipulator_1.jpeg")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write jpeg: %v", err)
	}
	return path
}

func seedEXIF(t *testing.T, path string, tags map[string]string) {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sl, err := parseJPEG(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ib, err := sl.ConstructExifBuilder()
	if err != nil {
		t.Fatalf("exif builder: %v", err)
	}
	for name, v := range tags {
		if err := ib.SetStandardWithName(name, v); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	if err := sl.SetExif(ib); err != nil {
		t.Fatalf("set exif: %v", err)
	}

	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		t.Fatalf("write segments: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write seeded file: %v", err)
	}
}

func decodeJPEG(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	return img
}

func decodeEXIF(t *testing.T, path string) *exif.Exif {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		t.Fatalf("decode exif: %v", err)
	}
	return x
}

func assertClose(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s: got %.8f, want %.8f", name, got, want)
	}
}
