package pipeline

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageProbe  Stage = "probe"
	StageDecode Stage = "decode"
	StageEncode Stage = "encode"
)

// Sentinels matched by errors.Is against a *StageError of the same stage.
var (
	ErrProbe  = errors.New("probe failed")
	ErrDecode = errors.New("decode failed")
	ErrEncode = errors.New("encode failed")
)

var (
	ErrInvalidDimensions = errors.New("invalid image dimensions")
	ErrEmptyImage        = errors.New("decoder returned no pixels")
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool {
	switch target {
	case ErrProbe:
		return e.Stage == StageProbe
	case ErrDecode:
		return e.Stage == StageDecode
	case ErrEncode:
		return e.Stage == StageEncode
	default:
		return false
	}
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf reports the failing stage of err, if it carries one.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
