package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

// rekognitionAPI is the subset of the Rekognition client used here.
type rekognitionAPI interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// RekognitionDetector detects text with AWS Rekognition DetectText.
type RekognitionDetector struct {
	client rekognitionAPI
}

// NewRekognitionDetector loads the default AWS configuration for region and
// creates a Rekognition-backed detector.
func NewRekognitionDetector(ctx context.Context, region string) (*RekognitionDetector, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &RekognitionDetector{client: rekognition.NewFromConfig(cfg)}, nil
}

// DetectText implements Detector. Detected LINE blocks are joined with
// newlines, top to bottom, forming the full text of the image.
func (d *RekognitionDetector) DetectText(ctx context.Context, jpeg []byte) (string, error) {
	out, err := d.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: jpeg},
	})
	if err != nil {
		return "", fmt.Errorf("%w: rekognition: %v", ErrService, err)
	}

	var lines []string
	for _, td := range out.TextDetections {
		if td.Type != types.TextTypesLine {
			continue
		}
		if text := aws.ToString(td.DetectedText); text != "" {
			lines = append(lines, text)
		}
	}

	if len(lines) == 0 {
		return "", ErrNoText
	}

	return strings.Join(lines, "\n"), nil
}

// Close is a no-op for the Rekognition detector.
func (d *RekognitionDetector) Close() error {
	return nil
}
