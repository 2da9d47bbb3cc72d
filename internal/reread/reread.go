// Package reread is the client side of the optical re-read service, which
// transcribes one region of a prescription image a second time.
package reread

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
)

// Illegible is returned by the service when the ink cannot be read
const Illegible = "Illegible / Confidence Too Low"

// ErrNoText is returned when the service answers without a transcription
var ErrNoText = errors.New("re-read returned no text")

// Reader transcribes a region of a base64 image
type Reader interface {
	ReReadRegion(ctx context.Context, imageBase64 string, box medication.BoundingBox) (string, error)
}

// IsIllegible reports whether a transcription is the illegible sentinel
func IsIllegible(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), Illegible)
}

// Config holds re-read client configuration
type Config struct {
	// Endpoint is the full URL the region is POSTed to
	Endpoint string
	// APIKey is sent as a bearer token when set
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns client defaults; Endpoint must still be set
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

type request struct {
	Image string                 `json:"image"`
	Box   medication.BoundingBox `json:"box"`
}

type response struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// HTTPClient calls a JSON re-read endpoint
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewHTTPClient creates a re-read client
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("re-read endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		tracer: otel.Tracer("reread-client"),
	}, nil
}

// ReReadRegion posts {image, box} and returns the transcribed text. The
// illegible sentinel is returned as text, not as an error.
func (c *HTTPClient) ReReadRegion(ctx context.Context, imageBase64 string, box medication.BoundingBox) (string, error) {
	ctx, span := c.tracer.Start(ctx, "reread.region")
	defer span.End()

	text, err := c.call(ctx, imageBase64, box)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "re-read failed")
		c.logger.Warn("re-read failed", zap.Error(err))
		return "", err
	}
	span.SetAttributes(attribute.Bool("illegible", IsIllegible(text)))
	return text, nil
}

func (c *HTTPClient) call(ctx context.Context, imageBase64 string, box medication.BoundingBox) (string, error) {
	if imageBase64 == "" {
		return "", fmt.Errorf("image is required")
	}
	if !box.Valid() {
		return "", fmt.Errorf("invalid bounding box %v", box)
	}

	payload, err := json.Marshal(request{Image: imageBase64, Box: box})
	if err != nil {
		return "", fmt.Errorf("encode re-read request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build re-read request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("re-read request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read re-read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("re-read service returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode re-read response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("re-read service: %s", out.Error)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
