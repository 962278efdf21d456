package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Location is the geotag written into the output image.
type Location struct {
	Latitude  float64   `json:"latitude" yaml:"latitude"`
	Longitude float64   `json:"longitude" yaml:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty" yaml:"altitude,omitempty"`
	Time      time.Time `json:"time,omitempty" yaml:"time,omitempty"`
	Provider  string    `json:"provider,omitempty" yaml:"provider,omitempty"`
}

func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", l.Longitude)
	}
	if l.Altitude != nil && (math.IsNaN(*l.Altitude) || math.IsInf(*l.Altitude, 0)) {
		return errors.New("altitude must be a finite number")
	}
	return nil
}

// ImageRequest describes one pipeline run. The pipeline only reads it.
type ImageRequest struct {
	Source    string
	OutputDir string
	Note      string
	Location  Location
}

func (r ImageRequest) Validate() error {
	if err := r.ValidateTarget(); err != nil {
		return err
	}
	if err := r.Location.Validate(); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	return nil
}

// ValidateTarget checks only what the pixel pipeline needs. Location and
// note are left to the metadata step.
func (r ImageRequest) ValidateTarget() error {
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return errors.New("output directory is required")
	}
	return nil
}
