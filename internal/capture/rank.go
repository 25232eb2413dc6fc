package capture

import (
	"context"
	"image"
	"sort"

	"github.com/andresmejia3/sentinel-edge/internal/quality"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// Scorer scores one lowres frame.
type Scorer interface {
	Score(ctx context.Context, frame image.Image) (quality.QualityScore, quality.Verdict, error)
}

// Scored is one captured frame with its quality score. Index is the frame's
// position in the session, so Pair and Score.BBox always describe the same
// physical frame.
type Scored struct {
	Index int
	Pair  types.FramePair
	Score quality.QualityScore
}

// Ranking is a session's scored frames, best first.
type Ranking struct {
	Frames     []Scored
	Best       quality.QualityScore
	Fallback   bool // the trigger frame was scored on its own
	Considered int  // frames left after trimming
	Verdicts   map[quality.Verdict]int
}

// NoFace reports whether neither the window nor the trigger frame produced a
// score.
func (r Ranking) NoFace() bool { return len(r.Frames) == 0 }

// Rank trims the session, scores each remaining lowres frame and sorts the
// scored ones by total, best first; ties keep capture order. If no frame
// scores, the trigger frame is scored alone, and if that fails too Best is
// the all-zero score. Only scorer backend errors are returned.
func Rank(ctx context.Context, scorer Scorer, s *Session, skipStart, skipEnd int) (Ranking, error) {
	lo, hi := trimBounds(len(s.Frames), skipStart, skipEnd)
	r := Ranking{
		Considered: hi - lo,
		Verdicts:   make(map[quality.Verdict]int),
	}

	for i := lo; i < hi; i++ {
		pair := s.Frames[i]
		q, v, err := scorer.Score(ctx, pair.Lowres)
		if err != nil {
			return Ranking{}, err
		}
		r.Verdicts[v]++
		if v != quality.Scored {
			continue
		}
		r.Frames = append(r.Frames, Scored{Index: i, Pair: pair, Score: q})
	}

	if len(r.Frames) == 0 {
		r.Fallback = true
		trigger := s.Trigger()
		q, v, err := scorer.Score(ctx, trigger.Lowres)
		if err != nil {
			return Ranking{}, err
		}
		r.Verdicts[v]++
		if v != quality.Scored {
			r.Best = quality.Zero()
			return r, nil
		}
		r.Frames = []Scored{{Index: 0, Pair: trigger, Score: q}}
	}

	sort.SliceStable(r.Frames, func(a, b int) bool {
		return r.Frames[a].Score.Total > r.Frames[b].Score.Total
	})
	r.Best = r.Frames[0].Score
	return r, nil
}
