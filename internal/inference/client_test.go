package inference

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-edge/internal/config"
)

const detectBody = `{
  "faces_count": 2,
  "faces": [
    {"bbox": [10, 10, 40, 50], "det_score": 0.62},
    {"bbox": [100, 80, 220, 224], "det_score": 0.97,
     "landmarks": [[140, 137], [180, 137], [160, 173], [145, 195], [175, 195]]}
  ]
}`

const embedBody = `{
  "faces_count": 2,
  "faces": [
    {"bbox": [10, 10, 40, 50], "det_score": 0.62, "embedding": [1, 0]},
    {"bbox": [100, 80, 220, 224], "det_score": 0.97, "embedding": [0, 1]}
  ]
}`

func sidecar(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	expectJPEG := func(w http.ResponseWriter, r *http.Request) bool {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return false
		}
		defer file.Close()
		head := make([]byte, 2)
		if _, err := io.ReadFull(file, head); err != nil || head[0] != 0xFF || head[1] != 0xD8 {
			http.Error(w, "not a jpeg", http.StatusBadRequest)
			return false
		}
		return true
	}
	mux.HandleFunc("POST /detect", func(w http.ResponseWriter, r *http.Request) {
		if expectJPEG(w, r) {
			io.WriteString(w, detectBody)
		}
	})
	mux.HandleFunc("POST /detect/landmarks", func(w http.ResponseWriter, r *http.Request) {
		if expectJPEG(w, r) {
			io.WriteString(w, detectBody)
		}
	})
	mux.HandleFunc("POST /embed/face", func(w http.ResponseWriter, r *http.Request) {
		if expectJPEG(w, r) {
			io.WriteString(w, embedBody)
		}
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func frame() image.Image { return image.NewGray(image.Rect(0, 0, 320, 240)) }

func TestClientDetectPicksMostConfidentFace(t *testing.T) {
	c := NewClient(sidecar(t).URL + "/")

	det, ok, err := c.DetectLandmarks(context.Background(), frame())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120, det.BBox.Width())
	assert.InDelta(t, 0.97, det.Confidence, 1e-9)
	require.NotNil(t, det.Landmarks)
	assert.Equal(t, 160.0, det.Landmarks.Nose.X)

	det, ok, err = c.Detect(context.Background(), frame())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, det.BBox.X1)
}

func TestClientExtractOrdersByConfidence(t *testing.T) {
	c := NewClient(sidecar(t).URL)

	faces, err := c.Extract(context.Background(), frame())
	require.NoError(t, err)
	require.Len(t, faces, 2)
	assert.Equal(t, []float32{0, 1}, faces[0].Embedding)
	assert.Equal(t, 100, faces[0].BBox.X1)
}

func TestClientNoFaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"faces_count":0,"faces":[]}`)
	}))
	defer srv.Close()

	_, ok, err := NewClient(srv.URL).Detect(context.Background(), frame())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), frame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (status 503): model not loaded")

	err = c.Health(context.Background())
	assert.ErrorIs(t, err, ErrBackendDown)
}

func TestFactory(t *testing.T) {
	srv := sidecar(t)

	factory, err := NewFactory(config.Inference{Backend: config.BackendHTTP, URL: srv.URL})
	require.NoError(t, err)

	a, err := factory(context.Background(), config.Camera{ID: "a"})
	require.NoError(t, err)
	b, err := factory(context.Background(), config.Camera{ID: "b"})
	require.NoError(t, err)
	assert.NotSame(t, a.Fast.(*Client), b.Fast.(*Client), "cameras never share a handle")
	assert.NoError(t, a.Close())

	_, err = NewFactory(config.Inference{Backend: "grpc"})
	assert.Error(t, err)

	down, err := NewFactory(config.Inference{Backend: config.BackendHTTP, URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = down(context.Background(), config.Camera{ID: "a"})
	assert.ErrorIs(t, err, ErrBackendDown)
}
