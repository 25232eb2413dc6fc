package pipeline

import (
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// DefaultStatsWindow is how many samples each rolling timing keeps.
const DefaultStatsWindow = 100

// Stats accumulates per-camera counters and rolling timings. Safe for
// concurrent use.
type Stats struct {
	mu      sync.Mutex
	window  int
	snap    StatsSnapshot
	timings map[string][]time.Duration
}

// StatsSnapshot is a copy of Stats. Timings are rolling means in
// milliseconds.
type StatsSnapshot struct {
	Detections     int                `json:"detections"`
	FramesCaptured int                `json:"frames_captured"`
	FramesScored   int                `json:"frames_scored"`
	New            int                `json:"new"`
	Returning      int                `json:"returning"`
	GatedOut       int                `json:"gated_out"`
	Rejected       int                `json:"rejected"`
	Errors         int                `json:"errors"`
	Reasons        map[Reason]int     `json:"reasons"`
	Timings        map[string]float64 `json:"timings_ms"`
}

func NewStats(window int) *Stats {
	if window < 1 {
		window = DefaultStatsWindow
	}
	return &Stats{
		window:  window,
		snap:    StatsSnapshot{Reasons: make(map[Reason]int)},
		timings: make(map[string][]time.Duration),
	}
}

func (s *Stats) observe(key string, d time.Duration) {
	v := append(s.timings[key], d)
	if len(v) > s.window {
		v = v[len(v)-s.window:]
	}
	s.timings[key] = v
}

// ObserveDetection records one fast detector call.
func (s *Stats) ObserveDetection(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe("detection", d)
}

// Record folds a finished session into the counters.
func (s *Stats) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Detections++
	s.snap.FramesCaptured += o.Frames
	s.snap.FramesScored += o.Scored
	if o.Reason != ReasonNone {
		s.snap.Reasons[o.Reason]++
	}

	switch o.State {
	case Sent:
		if o.Identity != nil && o.Identity.Status == types.StatusReturning {
			s.snap.Returning++
		} else {
			s.snap.New++
		}
	case GatedOut:
		s.snap.GatedOut++
	case Rejected:
		s.snap.Rejected++
	case Error:
		s.snap.Errors++
	}

	t := o.Timings
	s.observe("capture", t.Capture)
	s.observe("scoring", t.Scoring)
	if t.Recognition > 0 {
		s.observe("recognition", t.Recognition)
	}
	s.observe("total", t.Total)
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.Reasons = make(map[Reason]int, len(s.snap.Reasons))
	for k, v := range s.snap.Reasons {
		out.Reasons[k] = v
	}
	out.Timings = make(map[string]float64, len(s.timings))
	for k, v := range s.timings {
		if len(v) == 0 {
			continue
		}
		var sum time.Duration
		for _, d := range v {
			sum += d
		}
		out.Timings[k] = float64(sum) / float64(len(v)) / float64(time.Millisecond)
	}
	return out
}

// Visitors is the number of successful identifications.
func (s StatsSnapshot) Visitors() int { return s.New + s.Returning }
