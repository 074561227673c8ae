package ocr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractDetector runs a local Tesseract engine. Calls are serialized
// because a gosseract client is not safe for concurrent use.
type TesseractDetector struct {
	client *gosseract.Client
	mu     sync.Mutex
}

// NewTesseractDetector creates a detector for the given language.
func NewTesseractDetector(language string) (*TesseractDetector, error) {
	client := gosseract.NewClient()
	if language != "" {
		if err := client.SetLanguage(language); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set ocr language: %w", err)
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return &TesseractDetector{client: client}, nil
}

// DetectText implements Detector. The context is only checked before the
// call; Tesseract itself cannot be interrupted.
func (d *TesseractDetector) DetectText(ctx context.Context, jpeg []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrService, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.client.SetImageFromBytes(jpeg); err != nil {
		return "", fmt.Errorf("%w: tesseract: %v", ErrService, err)
	}

	text, err := d.client.Text()
	if err != nil {
		return "", fmt.Errorf("%w: tesseract: %v", ErrService, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoText
	}

	return text, nil
}

// Close releases the Tesseract engine.
func (d *TesseractDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client.Close()
}
