// Package fusion turns the best frames of a session into one identity
// embedding by quality-weighted averaging.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/sentinel-edge/internal/capture"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// ErrNoValidFrames means every candidate failed a quality, face or
// confidence gate, so there is nothing to fuse.
var ErrNoValidFrames = errors.New("no frame survived the fusion gates")

// EmbeddingExtractor returns every face found in a frame. An empty result
// is not an error.
type EmbeddingExtractor interface {
	Extract(ctx context.Context, frame image.Image) ([]types.FaceEmbedding, error)
}

type Params struct {
	TopN          int     `yaml:"top_n"`
	WeightPower   float64 `yaml:"weight_power"`
	MinQuality    float64 `yaml:"-"`
	MinConfidence float64 `yaml:"-"`
}

func DefaultParams() Params {
	return Params{TopN: 3, WeightPower: 0.3}
}

// SkipReason says why a ranked frame did not contribute.
type SkipReason string

const (
	SkipLowQuality    SkipReason = "low_quality"
	SkipNoFace        SkipReason = "no_face"
	SkipLowConfidence SkipReason = "low_confidence"
)

// Contribution is one accepted frame. Weights across a Result sum to 1.
type Contribution struct {
	Index      int     `json:"index"`
	Quality    float64 `json:"quality"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
}

// Result is a fused embedding plus the representative observation. Frame is
// the lowres image of the best accepted frame and BBox its own scoring box.
type Result struct {
	Embedding     []float32
	Contributions []Contribution
	Frame         image.Image
	BBox          types.BBox
	Skipped       map[SkipReason]int
}

// Fuse walks ranked (best first), extracts an embedding from each frame's
// hires crop and accepts up to TopN frames that pass the quality and
// confidence gates. The fused embedding is the weighted mean, re-normalised
// to unit length, with weights total^WeightPower normalised to sum to 1.
// Extractor errors abort; faceless or low-confidence frames are skipped.
func Fuse(ctx context.Context, ex EmbeddingExtractor, ranked []capture.Scored, p Params) (Result, error) {
	res := Result{Skipped: make(map[SkipReason]int)}
	topN := p.TopN
	if topN < 1 {
		topN = 1
	}

	var embeddings [][]float32
	for _, f := range ranked {
		if len(res.Contributions) == topN {
			break
		}
		if f.Score.Total < p.MinQuality {
			res.Skipped[SkipLowQuality]++
			continue
		}
		faces, err := ex.Extract(ctx, f.Pair.Hires)
		if err != nil {
			return Result{}, fmt.Errorf("embedding extraction failed on frame %d: %w", f.Index, err)
		}
		if len(faces) == 0 || len(faces[0].Embedding) == 0 {
			res.Skipped[SkipNoFace]++
			continue
		}
		face := faces[0]
		if face.Confidence < p.MinConfidence {
			res.Skipped[SkipLowConfidence]++
			continue
		}
		if len(embeddings) > 0 && len(face.Embedding) != len(embeddings[0]) {
			return Result{}, fmt.Errorf("embedding dimension changed from %d to %d on frame %d",
				len(embeddings[0]), len(face.Embedding), f.Index)
		}

		if len(res.Contributions) == 0 {
			res.Frame = f.Pair.Lowres
			res.BBox = f.Score.BBox
		}
		embeddings = append(embeddings, face.Embedding)
		res.Contributions = append(res.Contributions, Contribution{
			Index:      f.Index,
			Quality:    f.Score.Total,
			Confidence: face.Confidence,
		})
	}

	if len(res.Contributions) == 0 {
		return res, ErrNoValidFrames
	}

	scores := make([]float64, len(res.Contributions))
	for i, c := range res.Contributions {
		scores[i] = c.Quality
	}
	weights := Weights(scores, p.WeightPower)
	for i := range res.Contributions {
		res.Contributions[i].Weight = weights[i]
	}

	res.Embedding = WeightedMean(embeddings, weights)
	return res, nil
}

// Weights maps each score to score^power and normalises the result to sum
// to 1. Non-positive scores get no weight; if nothing has weight the weights
// are uniform.
func Weights(scores []float64, power float64) []float64 {
	w := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		if s > 0 {
			w[i] = math.Pow(s, power)
		}
		sum += w[i]
	}
	if sum == 0 {
		for i := range w {
			w[i] = 1 / float64(len(w))
		}
		return w
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// WeightedMean sums vecs scaled by weights and L2-normalises the result.
func WeightedMean(vecs [][]float32, weights []float64) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	acc := make([]float64, len(vecs[0]))
	for i, v := range vecs {
		for j, x := range v {
			acc[j] += weights[i] * float64(x)
		}
	}
	return Normalize(acc)
}

// Normalize returns v scaled to unit length as float32. A zero vector is
// returned unscaled.
func Normalize(v []float64) []float32 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		if norm > 0 {
			x /= norm
		}
		out[i] = float32(x)
	}
	return out
}

// CosineSimilarity of two embeddings; 0 when either is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
