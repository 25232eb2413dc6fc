package types

import (
	"image"
	"sort"
)

// BBox is an axis-aligned face box in image pixel coordinates (x1<x2, y1<y2).
type BBox struct {
	X1, Y1, X2, Y2 int
}

func (b BBox) Width() int  { return b.X2 - b.X1 }
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Empty reports whether the box has no area.
func (b BBox) Empty() bool { return b.X2 <= b.X1 || b.Y2 <= b.Y1 }

// Rect converts the box to an image.Rectangle.
func (b BBox) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }

// Slice returns the box as [x1, y1, x2, y2], the order used on the wire.
func (b BBox) Slice() []int { return []int{b.X1, b.Y1, b.X2, b.Y2} }

// BBoxFromSlice accepts [x1, y1, x2, y2] in any numeric form the backends return.
func BBoxFromSlice(v []float64) (BBox, bool) {
	if len(v) != 4 {
		return BBox{}, false
	}
	return BBox{X1: int(v[0]), Y1: int(v[1]), X2: int(v[2]), Y2: int(v[3])}, true
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks are the five facial keypoints produced by the landmark detector.
// Right/left are from the subject's point of view.
type Landmarks struct {
	RightEye   Point `json:"right_eye"`
	LeftEye    Point `json:"left_eye"`
	Nose       Point `json:"nose"`
	RightMouth Point `json:"right_mouth"`
	LeftMouth  Point `json:"left_mouth"`
}

// Detection is one face reported by a detector on one exact frame.
// Landmarks is nil when the backend did not supply them.
type Detection struct {
	BBox       BBox
	Confidence float64
	Landmarks  *Landmarks
}

// FaceEmbedding is one face returned by the embedding extractor.
type FaceEmbedding struct {
	Embedding  []float32
	BBox       BBox
	Confidence float64
}

// FramePair holds the two renditions of one physical frame: Hires is the crop
// used for embedding extraction, Lowres the resized copy used for scoring.
type FramePair struct {
	Hires  image.Image
	Lowres image.Image
}

// IdentifyRequest is what a session sends to the identification service.
// BBox always belongs to Image.
type IdentifyRequest struct {
	Embedding []float32
	Image     image.Image
	BBox      BBox
}

const (
	StatusNew       = "new"
	StatusReturning = "returning"
)

// Identity is the identification service's verdict for one session.
type Identity struct {
	Status     string  `json:"status"`
	CustomerID int     `json:"customer_id"`
	VisitCount int     `json:"visit_count"`
	Similarity float64 `json:"similarity"`
}

// --- Inference wire format (shared by the HTTP sidecar and the subprocess engine) ---

// FaceResult is one face as serialised by an inference backend. Landmarks, when
// present, are five [x, y] points ordered right eye, left eye, nose, right
// mouth corner, left mouth corner.
type FaceResult struct {
	BBox      []float64    `json:"bbox"`
	DetScore  float64      `json:"det_score"`
	Landmarks [][2]float64 `json:"landmarks,omitempty"`
	Embedding []float32    `json:"embedding,omitempty"`
}

type FaceResponse struct {
	FacesCount int          `json:"faces_count"`
	Faces      []FaceResult `json:"faces"`
}

// ErrorResult is what a backend returns instead of a FaceResponse on failure.
type ErrorResult struct {
	Error string `json:"error"`
}

// Best returns the face with the highest detection score.
func (r FaceResponse) Best() (FaceResult, bool) {
	best := -1
	for i, f := range r.Faces {
		if best == -1 || f.DetScore > r.Faces[best].DetScore {
			best = i
		}
	}
	if best == -1 {
		return FaceResult{}, false
	}
	return r.Faces[best], true
}

// Detection converts the wire face. ok is false for a malformed box.
func (f FaceResult) Detection() (Detection, bool) {
	box, ok := BBoxFromSlice(f.BBox)
	if !ok || box.Empty() {
		return Detection{}, false
	}
	det := Detection{BBox: box, Confidence: f.DetScore}
	if len(f.Landmarks) == 5 {
		pt := func(i int) Point { return Point{X: f.Landmarks[i][0], Y: f.Landmarks[i][1]} }
		det.Landmarks = &Landmarks{
			RightEye:   pt(0),
			LeftEye:    pt(1),
			Nose:       pt(2),
			RightMouth: pt(3),
			LeftMouth:  pt(4),
		}
	}
	return det, true
}

// Embeddings converts every face that carries an embedding, ordered by
// detection score, best first.
func (r FaceResponse) Embeddings() []FaceEmbedding {
	var out []FaceEmbedding
	for _, f := range r.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		box, _ := BBoxFromSlice(f.BBox)
		out = append(out, FaceEmbedding{Embedding: f.Embedding, BBox: box, Confidence: f.DetScore})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
