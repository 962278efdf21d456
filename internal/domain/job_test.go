package domain

import (
	"math"
	"testing"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		Source:   "s3://uploads/cat.jpg",
		Note:     "cat",
		Location: Location{Latitude: 52.23, Longitude: 21.01},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	badLatitude := valid
	badLatitude.Location.Latitude = 91
	if err := badLatitude.Validate(); err == nil {
		t.Fatal("expected validation error for latitude out of range")
	}

	badWebhook := valid
	badWebhook.WebhookURL = "ftp://example.com/hook"
	if err := badWebhook.Validate(); err == nil {
		t.Fatal("expected validation error for non-http webhook_url")
	}
}

func TestImageRequestValidate(t *testing.T) {
	req := ImageRequest{
		Source:    "/tmp/in.png",
		OutputDir: "/tmp/out",
		Location:  Location{Latitude: -33.86, Longitude: 151.2},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	missingDir := req
	missingDir.OutputDir = " "
	if err := missingDir.Validate(); err == nil {
		t.Fatal("expected validation error for missing output dir")
	}

	if err := missingDir.ValidateTarget(); err == nil {
		t.Fatal("expected target validation error for missing output dir")
	}

	nan := math.NaN()
	badAltitude := req
	badAltitude.Location.Altitude = &nan
	if err := badAltitude.Validate(); err == nil {
		t.Fatal("expected validation error for NaN altitude")
	}
	if err := badAltitude.ValidateTarget(); err != nil {
		t.Fatalf("expected target validation to ignore location, got %v", err)
	}
}
