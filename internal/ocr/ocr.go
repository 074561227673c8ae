// Package ocr provides text detection backends for plate crops.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrService wraps every failure of a recognition backend: transport,
	// non-success status, malformed response.
	ErrService = errors.New("ocr service error")

	// ErrNoText is returned when the backend answered but found no text.
	ErrNoText = errors.New("no text found")
)

// Detector defines the interface for text detection implementations.
type Detector interface {
	// DetectText returns the full text recognized in a JPEG-encoded image.
	// It returns ErrNoText when the image contains no text.
	DetectText(ctx context.Context, jpeg []byte) (string, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Provider names a Detector implementation.
type Provider string

const (
	ProviderVision      Provider = "vision"
	ProviderRekognition Provider = "rekognition"
	ProviderTesseract   Provider = "tesseract"
)

// Config holds configuration options for text detection.
type Config struct {
	Provider Provider

	// VisionEndpoint is the images:annotate URL of the Google Vision API.
	VisionEndpoint string
	// VisionAPIKey is appended as the key query parameter.
	VisionAPIKey string

	// AWSRegion selects the Rekognition region.
	AWSRegion string

	// TesseractLanguage is the traineddata language, e.g. "eng".
	TesseractLanguage string
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Provider:          ProviderVision,
		VisionEndpoint:    DefaultVisionEndpoint,
		TesseractLanguage: "eng",
	}
}

// New builds the Detector selected by cfg.Provider.
func New(ctx context.Context, cfg Config) (Detector, error) {
	switch Provider(strings.ToLower(string(cfg.Provider))) {
	case ProviderVision, "":
		return NewVisionDetector(cfg.VisionEndpoint, cfg.VisionAPIKey, nil), nil
	case ProviderRekognition:
		return NewRekognitionDetector(ctx, cfg.AWSRegion)
	case ProviderTesseract:
		return NewTesseractDetector(cfg.TesseractLanguage)
	default:
		return nil, fmt.Errorf("unknown ocr provider %q", cfg.Provider)
	}
}
