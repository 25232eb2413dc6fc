package identify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-edge/internal/config"
	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

func testUpload() config.Upload {
	return config.Upload{Enabled: true, Padding: 0.4, MaxWidth: 400, JPEGQuality: 85}
}

func newTestClient(url string) *Client {
	return NewClient(config.API{BaseURL: url + "/", Key: "edge-key", TimeoutSeconds: 2}, 7, testUpload())
}

func TestIdentify(t *testing.T) {
	var got identifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/edge/identify", r.URL.Path)
		assert.Equal(t, "edge-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"success":true,"status":"returning","customerId":12,"visitCount":4,"similarity":0.71}`)
	}))
	defer srv.Close()

	frame := image.NewGray(image.Rect(0, 0, 640, 480))
	id, err := newTestClient(srv.URL).Identify(context.Background(), types.IdentifyRequest{
		Embedding: []float32{0.6, 0.8},
		Image:     frame,
		BBox:      types.BBox{X1: 100, Y1: 100, X2: 200, Y2: 220},
	})
	require.NoError(t, err)
	assert.Equal(t, types.Identity{Status: types.StatusReturning, CustomerID: 12, VisitCount: 4, Similarity: 0.71}, id)

	assert.Equal(t, 7, got.LocationID)
	assert.Equal(t, []float32{0.6, 0.8}, got.Embedding)
	assert.Equal(t, []int{100, 100, 200, 220}, got.BBox)

	raw, err := base64.StdEncoding.DecodeString(got.ImageBase64)
	require.NoError(t, err)
	thumb, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	// 100x120 face padded by 40 and 48 on each side
	assert.Equal(t, 180, thumb.Bounds().Dx())
	assert.Equal(t, 216, thumb.Bounds().Dy())
}

func TestIdentifyWithoutUpload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"success":true,"status":"new","customerId":1,"visitCount":1}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.upload.Enabled = false
	id, err := c.Identify(context.Background(), types.IdentifyRequest{
		Embedding: []float32{1},
		Image:     image.NewGray(image.Rect(0, 0, 10, 10)),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, id.Status)
	assert.NotContains(t, got, "imageBase64")
	assert.NotContains(t, got, "bbox")
}

func TestIdentifyFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusInternalServerError, `boom`, "API error (status 500): boom"},
		{"rejected", http.StatusOK, `{"success":false,"message":"invalid api key"}`, "identify rejected: invalid api key"},
		{"unknown status", http.StatusOK, `{"success":true,"status":"maybe"}`, `unknown status "maybe"`},
		{"garbage", http.StatusOK, `<html>`, "failed to parse response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Identify(context.Background(), types.IdentifyRequest{Embedding: []float32{1}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestIdentifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(config.API{BaseURL: srv.URL, Key: "k", TimeoutSeconds: 0.05}, 1, testUpload())
	_, err := c.Identify(context.Background(), types.IdentifyRequest{Embedding: []float32{1}})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/edge/health", r.URL.Path)
		if healthy {
			io.WriteString(w, `{"success":true}`)
			return
		}
		io.WriteString(w, `{"success":false}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.Health(context.Background()))

	healthy = false
	assert.ErrorIs(t, c.Health(context.Background()), pipeline.ErrUnhealthy)

	srv.Close()
	assert.ErrorIs(t, c.Health(context.Background()), pipeline.ErrUnhealthy)
}

func TestThumbnail(t *testing.T) {
	frame := image.NewGray(image.Rect(0, 0, 2000, 1000))
	u := testUpload()

	t.Run("clamped to the frame and shrunk to max width", func(t *testing.T) {
		s, err := Thumbnail(frame, types.BBox{X1: 0, Y1: 0, X2: 1000, Y2: 500}, u)
		require.NoError(t, err)
		raw, _ := base64.StdEncoding.DecodeString(s)
		img, err := jpeg.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		// 1400x700 after padding and clamping
		assert.Equal(t, 400, img.Bounds().Dx())
		assert.Equal(t, 200, img.Bounds().Dy())
	})

	t.Run("empty box sends the whole frame", func(t *testing.T) {
		s, err := Thumbnail(image.NewGray(image.Rect(0, 0, 300, 100)), types.BBox{}, u)
		require.NoError(t, err)
		raw, _ := base64.StdEncoding.DecodeString(s)
		img, err := jpeg.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, 300, img.Bounds().Dx())
	})
}

func TestGallery(t *testing.T) {
	g := NewGallery(0.5)
	ctx := context.Background()

	first, err := g.Identify(ctx, types.IdentifyRequest{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, types.Identity{Status: types.StatusNew, CustomerID: 1, VisitCount: 1}, first)

	again, err := g.Identify(ctx, types.IdentifyRequest{Embedding: []float32{0.9, 0.1, 0}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReturning, again.Status)
	assert.Equal(t, 1, again.CustomerID)
	assert.Equal(t, 2, again.VisitCount)
	assert.Greater(t, again.Similarity, 0.9)

	other, err := g.Identify(ctx, types.IdentifyRequest{Embedding: []float32{0, 0, 1}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, other.Status)
	assert.Equal(t, 2, other.CustomerID)

	_, err = g.Identify(ctx, types.IdentifyRequest{Embedding: []float32{1, 0}})
	assert.Error(t, err, "dimension mismatch")
	_, err = g.Identify(ctx, types.IdentifyRequest{})
	assert.Error(t, err)

	visitors := g.Visitors()
	require.Len(t, visitors, 2)
	assert.Equal(t, 2, visitors[0].Visits)
	assert.Equal(t, 1, visitors[1].Visits)
}
