// Package identify resolves a fused face embedding to a visitor, either
// through the dashboard API or against an in-memory gallery.
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/types"
	"github.com/andresmejia3/sentinel-edge/internal/utils"
)

// Client is the dashboard identification API. Matching happens server side;
// the edge only sends the embedding and a face thumbnail.
type Client struct {
	baseURL    string
	apiKey     string
	locationID int
	upload     config.Upload
	client     *http.Client
}

func NewClient(api config.API, locationID int, upload config.Upload) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(api.BaseURL, "/"),
		apiKey:     api.Key,
		locationID: locationID,
		upload:     upload,
		client:     &http.Client{Timeout: api.Timeout()},
	}
}

type identifyRequest struct {
	Embedding   []float32 `json:"embedding"`
	LocationID  int       `json:"locationId"`
	ImageBase64 string    `json:"imageBase64,omitempty"`
	BBox        []int     `json:"bbox,omitempty"`
}

type apiResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	Status     string  `json:"status"`
	CustomerID int     `json:"customerId"`
	VisitCount int     `json:"visitCount"`
	Similarity float64 `json:"similarity"`
}

// Identify posts req to /api/edge/identify.
func (c *Client) Identify(ctx context.Context, req types.IdentifyRequest) (types.Identity, error) {
	payload := identifyRequest{
		Embedding:  req.Embedding,
		LocationID: c.locationID,
	}
	if c.upload.Enabled && req.Image != nil {
		thumb, err := Thumbnail(req.Image, req.BBox, c.upload)
		if err != nil {
			return types.Identity{}, err
		}
		payload.ImageBase64 = thumb
		if !req.BBox.Empty() {
			payload.BBox = req.BBox.Slice()
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.Identity{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, "/api/edge/identify", bytes.NewReader(body))
	if err != nil {
		return types.Identity{}, err
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Identity{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if !resp.Success {
		return types.Identity{}, fmt.Errorf("identify rejected: %s", resp.Message)
	}
	if resp.Status != types.StatusNew && resp.Status != types.StatusReturning {
		return types.Identity{}, fmt.Errorf("identify returned unknown status %q", resp.Status)
	}
	return types.Identity{
		Status:     resp.Status,
		CustomerID: resp.CustomerID,
		VisitCount: resp.VisitCount,
		Similarity: resp.Similarity,
	}, nil
}

// Health checks /api/edge/health. Any failure is reported as
// pipeline.ErrUnhealthy.
func (c *Client) Health(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/api/edge/health", nil)
	if err != nil {
		return errors.Join(pipeline.ErrUnhealthy, err)
	}
	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil || !resp.Success {
		return fmt.Errorf("%w: unexpected health response %s", pipeline.ErrUnhealthy, strings.TrimSpace(string(data)))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// Thumbnail crops img to box padded by u.Padding on every side, shrinks it
// to u.MaxWidth and returns it as base64 JPEG. An empty box sends the whole
// image.
func Thumbnail(img image.Image, box types.BBox, u config.Upload) (string, error) {
	r := img.Bounds()
	if !box.Empty() {
		padW := int(float64(box.Width()) * u.Padding)
		padH := int(float64(box.Height()) * u.Padding)
		r = image.Rect(box.X1-padW, box.Y1-padH, box.X2+padW, box.Y2+padH).Intersect(img.Bounds())
		if r.Empty() {
			r = img.Bounds()
		}
	}
	thumb := utils.ResizeToWidth(utils.Crop(img, r), u.MaxWidth)
	s, err := utils.EncodeJPEGBase64(thumb, u.JPEGQuality)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return s, nil
}
