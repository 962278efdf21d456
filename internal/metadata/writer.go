// Package metadata writes the image description and GPS position into the
// EXIF block of a JPEG file in place.
package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jis "github.com/dsoprea/go-jpeg-image-structure/v2"
	"github.com/dunamismax/bitmapmanipulator/internal/domain"
)

// Largest payload a length-prefixed JPEG segment can carry.
const maxSegmentPayload = 0xFFFF - 2

var (
	ErrNotJPEG  = errors.New("not a JPEG file")
	ErrTooLarge = errors.New("EXIF block exceeds one APP1 segment")
)

// Error wraps every failure of Apply with the step that failed.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("metadata %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Apply sets the EXIF image description to note and the GPS fields to loc,
// then replaces the file at path. Tags already in the file are kept.
// Re-applying the same inputs stores the same bytes.
func (w *Writer) Apply(path, note string, loc domain.Location) error {
	if err := loc.Validate(); err != nil {
		return &Error{Op: "validate", Path: path, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: "read", Path: path, Err: err}
	}

	sl, err := parseJPEG(data)
	if err != nil {
		return &Error{Op: "parse", Path: path, Err: err}
	}

	if err := setEXIF(sl, note, loc); err != nil {
		return &Error{Op: "build", Path: path, Err: err}
	}

	var buf bytes.Buffer
	if err := sl.Write(&buf); err != nil {
		return &Error{Op: "build", Path: path, Err: err}
	}
	if err := replaceFile(path, buf.Bytes()); err != nil {
		return &Error{Op: "save", Path: path, Err: err}
	}
	return nil
}

func parseJPEG(data []byte) (*jis.SegmentList, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != jis.MARKER_SOI {
		return nil, ErrNotJPEG
	}

	mc, err := jis.NewJpegMediaParser().ParseBytes(data)
	if err != nil {
		return nil, err
	}
	sl, ok := mc.(*jis.SegmentList)
	if !ok {
		return nil, fmt.Errorf("unexpected media context %T", mc)
	}
	return sl, nil
}

func setEXIF(sl *jis.SegmentList, note string, loc domain.Location) error {
	rootIb, err := sl.ConstructExifBuilder()
	if err != nil {
		return err
	}
	if err := rootIb.SetStandardWithName("ImageDescription", strings.ReplaceAll(note, "\x00", "")); err != nil {
		return err
	}
	if err := setGPS(rootIb, loc); err != nil {
		return err
	}
	if err := sl.SetExif(rootIb); err != nil {
		return err
	}

	i, seg, err := sl.FindExif()
	if err != nil {
		return err
	}
	if len(seg.Data) > maxSegmentPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(seg.Data))
	}

	// A new APP1 lands right after SOI; JFIF expects APP0 first.
	segs := sl.Segments()
	for ; i+1 < len(segs) && segs[i+1].MarkerId == jis.MARKER_APP0; i++ {
		segs[i], segs[i+1] = segs[i+1], segs[i]
	}
	return nil
}

// replaceFile swaps data in through a temp file in the same directory so a
// failed write never truncates the original.
func replaceFile(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
