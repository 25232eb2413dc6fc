package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaceResponseBest(t *testing.T) {
	r := FaceResponse{Faces: []FaceResult{
		{BBox: []float64{0, 0, 10, 10}, DetScore: 0.6},
		{BBox: []float64{5, 5, 30, 40}, DetScore: 0.9},
		{BBox: []float64{1, 1, 2, 2}, DetScore: 0.2},
	}}
	best, ok := r.Best()
	require.True(t, ok)
	assert.Equal(t, 0.9, best.DetScore)

	_, ok = FaceResponse{}.Best()
	assert.False(t, ok)
}

func TestFaceResultDetection(t *testing.T) {
	f := FaceResult{
		BBox:      []float64{10.7, 20.2, 110.9, 140},
		DetScore:  0.88,
		Landmarks: [][2]float64{{40, 60}, {80, 60}, {60, 90}, {45, 115}, {75, 115}},
	}
	det, ok := f.Detection()
	require.True(t, ok)
	assert.Equal(t, BBox{X1: 10, Y1: 20, X2: 110, Y2: 140}, det.BBox)
	assert.Equal(t, 100, det.BBox.Width())
	require.NotNil(t, det.Landmarks)
	assert.Equal(t, Point{X: 40, Y: 60}, det.Landmarks.RightEye)
	assert.Equal(t, Point{X: 75, Y: 115}, det.Landmarks.LeftMouth)

	f.Landmarks = f.Landmarks[:3]
	det, ok = f.Detection()
	require.True(t, ok)
	assert.Nil(t, det.Landmarks, "partial landmarks are dropped")

	_, ok = FaceResult{BBox: []float64{1, 2, 3}}.Detection()
	assert.False(t, ok)
	_, ok = FaceResult{BBox: []float64{10, 10, 5, 20}}.Detection()
	assert.False(t, ok)
}

func TestFaceResponseEmbeddingsSkipsBareDetections(t *testing.T) {
	r := FaceResponse{Faces: []FaceResult{
		{BBox: []float64{0, 0, 4, 4}, DetScore: 0.5, Embedding: []float32{1, 0}},
		{BBox: []float64{0, 0, 4, 4}, DetScore: 0.99},
		{BBox: []float64{0, 0, 8, 8}, DetScore: 0.8, Embedding: []float32{0, 1}},
	}}
	embs := r.Embeddings()
	require.Len(t, embs, 2)
	assert.Equal(t, 0.8, embs[0].Confidence)
	assert.Equal(t, BBox{X2: 8, Y2: 8}, embs[0].BBox)
}
