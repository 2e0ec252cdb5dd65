// Package detect wraps the AI detection node's REST surface. The node runs
// a vision-language model over rendered frames and reports ranked findings;
// it is a separate deployment and may be absent entirely, in which case no
// client is constructed.
package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

var ErrUnavailable = errors.New("detection node unavailable")

// Finding is one ranked classification result. Confidence is the node's
// coarse bucket (high/medium/low) derived from the score.
type Finding struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence string  `json:"confidence"`
}

// Classification is the node's full response for one frame, results sorted
// by descending score.
type Classification struct {
	Success bool      `json:"success"`
	Results []Finding `json:"results"`
	Model   string    `json:"model"`
	Error   string    `json:"error,omitempty"`
}

// Region is one localized detection from the node's grid analysis.
type Region struct {
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
	Location    string  `json:"location"`
	Description string  `json:"description"`
}

type detectResponse struct {
	Success    bool     `json:"success"`
	Detections []Region `json:"detections"`
	Error      string   `json:"error,omitempty"`
}

// Health is the node's readiness report.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version"`
}

type Config struct {
	BaseURL string
	// Timeout bounds every request. Model inference is slow relative to the
	// rest of the system, so this is configured separately from the archive
	// timeout.
	Timeout time.Duration
}

type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c, log: log}
}

// CheckHealth reports whether the node is up and its model is loaded.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	var h Health
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&h).
		Get("/health")
	if err != nil {
		return nil, c.transportErr("health check", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("health check: detection node returned status %d", resp.StatusCode())
	}
	return &h, nil
}

// Classify submits one rendered frame and returns the node's ranked
// findings.
func (c *Client) Classify(ctx context.Context, image []byte) (*Classification, error) {
	var result Classification
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("image", "frame.png", bytes.NewReader(image)).
		SetResult(&result).
		SetError(&result).
		Post("/classify")
	if err != nil {
		return nil, c.transportErr("classify", err)
	}
	if !resp.IsSuccess() || !result.Success {
		if result.Error != "" {
			return nil, fmt.Errorf("classify: detection node error: %s", result.Error)
		}
		return nil, fmt.Errorf("classify: detection node returned status %d", resp.StatusCode())
	}
	return &result, nil
}

// DetectRegions submits one rendered frame for localized detection. The
// node splits the image into gridSize x gridSize cells and classifies each;
// gridSize <= 0 leaves the node's default in effect.
func (c *Client) DetectRegions(ctx context.Context, image []byte, gridSize int) ([]Region, error) {
	req := c.http.R().
		SetContext(ctx).
		SetFileReader("image", "frame.png", bytes.NewReader(image))
	if gridSize > 0 {
		req.SetFormData(map[string]string{"grid_size": fmt.Sprintf("%d", gridSize)})
	}
	var result detectResponse
	resp, err := req.SetResult(&result).SetError(&result).Post("/detect")
	if err != nil {
		return nil, c.transportErr("detect regions", err)
	}
	if !resp.IsSuccess() || !result.Success {
		if result.Error != "" {
			return nil, fmt.Errorf("detect regions: detection node error: %s", result.Error)
		}
		return nil, fmt.Errorf("detect regions: detection node returned status %d", resp.StatusCode())
	}
	return result.Detections, nil
}

func (c *Client) transportErr(op string, err error) error {
	c.log.Warn().Err(err).Str("op", op).Msg("detection node request failed")
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
