// Package inference talks to the face model backends: an HTTP sidecar or the
// subprocess engine in internal/worker.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/andresmejia3/sentinel-edge/internal/types"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

const (
	DefaultURL         = "http://localhost:8000"
	DefaultJPEGQuality = 90
	defaultTimeout     = 30 * time.Second
)

// Client is the HTTP sidecar backend. It implements the fast detector, the
// landmark detector and the embedding extractor.
type Client struct {
	baseURL     string
	client      *http.Client
	jpegQuality int
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{Timeout: defaultTimeout},
		jpegQuality: DefaultJPEGQuality,
	}
}

// postFrame encodes frame as JPEG and posts it as the "file" form field.
func (c *Client) postFrame(ctx context.Context, endpoint string, frame image.Image) (types.FaceResponse, error) {
	data, err := utils.EncodeJPEG(frame, c.jpegQuality)
	if err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to encode frame: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(req)
	if err != nil {
		return types.FaceResponse{}, err
	}

	var resp types.FaceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.FaceResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) detect(ctx context.Context, endpoint string, frame image.Image) (types.Detection, bool, error) {
	resp, err := c.postFrame(ctx, endpoint, frame)
	if err != nil {
		return types.Detection{}, false, err
	}
	best, ok := resp.Best()
	if !ok {
		return types.Detection{}, false, nil
	}
	det, ok := best.Detection()
	return det, ok, nil
}

// Detect runs the fast detector on frame.
func (c *Client) Detect(ctx context.Context, frame image.Image) (types.Detection, bool, error) {
	return c.detect(ctx, "/detect", frame)
}

// DetectLandmarks runs the landmark detector on frame.
func (c *Client) DetectLandmarks(ctx context.Context, frame image.Image) (types.Detection, bool, error) {
	return c.detect(ctx, "/detect/landmarks", frame)
}

// Extract returns every face in frame that carries an embedding, most
// confident first.
func (c *Client) Extract(ctx context.Context, frame image.Image) ([]types.FaceEmbedding, error) {
	resp, err := c.postFrame(ctx, "/embed/face", frame)
	if err != nil {
		return nil, err
	}
	return resp.Embeddings(), nil
}

// Health checks that the sidecar is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := c.do(req); err != nil {
		return errors.Join(ErrBackendDown, err)
	}
	return nil
}

// ErrBackendDown wraps health check failures.
var ErrBackendDown = errors.New("inference backend unavailable")
