package plate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/ayusman/platewatch/internal/ocr"
)

// Config holds configuration options for a Recognizer.
type Config struct {
	// Timeout bounds a single OCR call. Zero means no timeout.
	Timeout time.Duration
	// DebugDir, when set, receives the latest preprocessed crop per camera.
	DebugDir string
}

// Recognizer preprocesses crops, sends them to a text detector and
// normalizes the answer. Every failure collapses to "no plate".
type Recognizer struct {
	detector ocr.Detector
	config   Config
}

// NewRecognizer creates a Recognizer using the given detector.
func NewRecognizer(detector ocr.Detector, config Config) *Recognizer {
	return &Recognizer{
		detector: detector,
		config:   config,
	}
}

// Recognize encodes an enhanced crop, calls the text detector and returns the
// normalized plate code, if any.
func (r *Recognizer) Recognize(ctx context.Context, enhanced gocv.Mat) (string, bool) {
	return r.recognize(ctx, log.Logger, enhanced)
}

// Process runs Preprocess and Recognize for one camera crop.
func (r *Recognizer) Process(ctx context.Context, cameraID int, crop gocv.Mat) (string, bool) {
	logger := log.With().Int("camera_id", cameraID).Logger()

	enhanced := Preprocess(crop)
	defer enhanced.Close()

	if r.config.DebugDir != "" {
		r.dump(logger, cameraID, enhanced)
	}

	return r.recognize(ctx, logger, enhanced)
}

func (r *Recognizer) recognize(ctx context.Context, logger zerolog.Logger, enhanced gocv.Mat) (string, bool) {
	if r.detector == nil {
		logger.Error().Msg("no text detector configured")
		return "", false
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, enhanced)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode crop")
		return "", false
	}
	jpeg := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := r.detector.DetectText(ctx, jpeg)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, ocr.ErrNoText) {
			logger.Warn().Dur("elapsed", elapsed).Msg("no text in recognition response")
		} else {
			logger.Error().Err(err).Dur("elapsed", elapsed).Msg("text recognition failed")
		}
		return "", false
	}

	text = strings.TrimSpace(text)
	logger.Info().Str("text", text).Dur("elapsed", elapsed).Msg("text recognized")

	code, ok := Normalize(text)
	if !ok {
		logger.Info().Msg("no valid plate in recognized text")
		return "", false
	}

	logger.Info().Str("plate", code).Msg("plate recognized")
	return code, true
}

func (r *Recognizer) dump(logger zerolog.Logger, cameraID int, img gocv.Mat) {
	if err := os.MkdirAll(r.config.DebugDir, 0755); err != nil {
		logger.Warn().Err(err).Msg("failed to create debug directory")
		return
	}

	path := filepath.Join(r.config.DebugDir, fmt.Sprintf("camera_%d_preprocessed.jpg", cameraID))
	if ok := gocv.IMWrite(path, img); !ok {
		logger.Warn().Str("path", path).Msg("failed to write preprocessed crop")
		return
	}
	logger.Debug().Str("path", path).Msg("preprocessed crop saved")
}
