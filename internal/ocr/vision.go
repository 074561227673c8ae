package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultVisionEndpoint is the Google Vision images:annotate endpoint.
const DefaultVisionEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// VisionDetector calls the Google Vision REST API with TEXT_DETECTION.
type VisionDetector struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewVisionDetector creates a VisionDetector. A nil client uses a client
// without a timeout.
func NewVisionDetector(endpoint, apiKey string, client *http.Client) *VisionDetector {
	if endpoint == "" {
		endpoint = DefaultVisionEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &VisionDetector{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
	}
}

type visionRequest struct {
	Requests []visionImageRequest `json:"requests"`
}

type visionImageRequest struct {
	Image    visionImage     `json:"image"`
	Features []visionFeature `json:"features"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// DetectText implements Detector.
func (d *VisionDetector) DetectText(ctx context.Context, jpeg []byte) (string, error) {
	body, err := json.Marshal(visionRequest{
		Requests: []visionImageRequest{{
			Image:    visionImage{Content: base64.StdEncoding.EncodeToString(jpeg)},
			Features: []visionFeature{{Type: "TEXT_DETECTION"}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %v", ErrService, err)
	}

	endpoint, err := d.requestURL()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrService, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", ErrService, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %v", ErrService, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrService, resp.StatusCode, bytes.TrimSpace(data))
	}

	var result visionResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrService, err)
	}

	if len(result.Responses) == 0 {
		return "", fmt.Errorf("%w: empty responses", ErrService)
	}

	first := result.Responses[0]
	if first.Error != nil {
		return "", fmt.Errorf("%w: %d %s", ErrService, first.Error.Code, first.Error.Message)
	}

	if len(first.TextAnnotations) == 0 {
		return "", ErrNoText
	}

	return first.TextAnnotations[0].Description, nil
}

func (d *VisionDetector) requestURL() (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	if d.apiKey != "" {
		q := u.Query()
		q.Set("key", d.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Close is a no-op; the HTTP client holds no per-detector resources.
func (d *VisionDetector) Close() error {
	return nil
}
