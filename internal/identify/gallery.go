package identify

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/sentinel-edge/internal/fusion"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

const (
	galleryMaxNeighbors = 16
	gallerySearchK      = 5
)

// Visitor is one enrolled face in a Gallery.
type Visitor struct {
	ID         int
	Visits     int
	Embedding  []float32
	Similarity float64 // of the most recent match
}

// Gallery identifies visitors against an in-memory HNSW index. It stands in
// for the dashboard API when replaying footage offline.
type Gallery struct {
	Threshold float64

	mu       sync.Mutex
	graph    *hnsw.Graph[int]
	visitors map[int]*Visitor
	dims     int
	nextID   int
}

func NewGallery(threshold float64) *Gallery {
	g := hnsw.NewGraph[int]()
	g.M = galleryMaxNeighbors
	g.Ml = 1.0 / float64(galleryMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return &Gallery{
		Threshold: threshold,
		graph:     g,
		visitors:  make(map[int]*Visitor),
		nextID:    1,
	}
}

// Identify returns the closest enrolled visitor when its cosine similarity
// reaches Threshold, otherwise enrols a new one.
func (g *Gallery) Identify(ctx context.Context, req types.IdentifyRequest) (types.Identity, error) {
	if err := ctx.Err(); err != nil {
		return types.Identity{}, err
	}
	if len(req.Embedding) == 0 {
		return types.Identity{}, fmt.Errorf("empty embedding")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dims != 0 && len(req.Embedding) != g.dims {
		return types.Identity{}, fmt.Errorf("embedding has %d dimensions, gallery holds %d", len(req.Embedding), g.dims)
	}

	if best, sim := g.nearest(req.Embedding); best != nil && sim >= g.Threshold {
		best.Visits++
		best.Similarity = sim
		return types.Identity{
			Status:     types.StatusReturning,
			CustomerID: best.ID,
			VisitCount: best.Visits,
			Similarity: sim,
		}, nil
	}

	v := &Visitor{ID: g.nextID, Visits: 1, Embedding: append([]float32(nil), req.Embedding...)}
	g.nextID++
	g.graph.Add(hnsw.MakeNode(v.ID, v.Embedding))
	g.visitors[v.ID] = v
	g.dims = len(v.Embedding)

	return types.Identity{Status: types.StatusNew, CustomerID: v.ID, VisitCount: 1}, nil
}

// nearest re-ranks the approximate neighbours by exact similarity.
func (g *Gallery) nearest(query []float32) (*Visitor, float64) {
	if len(g.visitors) == 0 {
		return nil, 0
	}
	var (
		best    *Visitor
		bestSim float64
	)
	for _, n := range g.graph.Search(query, gallerySearchK) {
		v := g.visitors[n.Key]
		if v == nil {
			continue
		}
		sim := fusion.CosineSimilarity(query, v.Embedding)
		if best == nil || sim > bestSim {
			best, bestSim = v, sim
		}
	}
	return best, bestSim
}

// Visitors returns a copy of every enrolled visitor, in enrolment order.
func (g *Gallery) Visitors() []Visitor {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Visitor, 0, len(g.visitors))
	for id := 1; id < g.nextID; id++ {
		if v, ok := g.visitors[id]; ok {
			out = append(out, *v)
		}
	}
	return out
}
