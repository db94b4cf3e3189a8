package tracking

import (
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Detection is one classifier output handed to the tracker, with the box in
// detection-frame [x, y, w, h] coordinates.
type Detection struct {
	X, Y, W, H float64
	Confidence float64
	Label      string
	// Feature is an optional appearance vector (e.g. a color histogram of
	// the detection crop). Association falls back to pure motion overlap
	// when either side has no feature.
	Feature []float64
}

// TrackState reports whether a track has accumulated enough consecutive
// associations to be trusted.
type TrackState int

const (
	// Tentative tracks have not yet reached the confirmation streak and
	// must be ignored by the escalation engine.
	Tentative TrackState = iota
	Confirmed
)

// Track is a stable identity for one physical subject across frames.
type Track struct {
	ID         int
	State      TrackState
	Label      string  // most recent associated class label
	Confidence float64 // most recent associated confidence
	X, Y, W, H float64 // detection-frame coordinates
	hits       int     // consecutive associations
	misses     int     // frames since last association
	feature    []float64
}

// Box returns the track box as [x1, y1, x2, y2].
func (t *Track) Box() (float64, float64, float64, float64) {
	return t.X, t.Y, t.X + t.W, t.Y + t.H
}

// Config controls track lifecycle and association gates.
type Config struct {
	MaxAge      int     // frames a track survives without an association
	ConfirmHits int     // consecutive associations before confirmation
	IoUFloor    float64 // minimum overlap to associate by motion
	MaxCosine   float64 // maximum appearance cosine distance to associate
}

// Tracker associates per-frame detections with persistent track identities
// using motion continuity (IoU) plus appearance similarity. One instance
// serves exactly one camera; it is not safe for concurrent use.
type Tracker struct {
	cfg    Config
	tracks []*Track
	nextID int

	// onRetire is invoked when a track is dropped, so dedup latches keyed
	// on the track id can be retired with it.
	onRetire func(trackID int)
}

// NewTracker creates a tracker with the given lifecycle configuration.
func NewTracker(cfg Config) *Tracker {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30
	}
	if cfg.ConfirmHits <= 0 {
		cfg.ConfirmHits = 3
	}
	if cfg.IoUFloor <= 0 {
		cfg.IoUFloor = 0.3
	}
	if cfg.MaxCosine <= 0 {
		cfg.MaxCosine = 0.3
	}
	return &Tracker{cfg: cfg, nextID: 1}
}

// OnRetire registers a callback fired whenever a track is dropped.
func (tr *Tracker) OnRetire(fn func(trackID int)) {
	tr.onRetire = fn
}

// Update consumes one frame's detections and returns the current track set.
// Unmatched detections open tentative tracks; tracks unmatched for longer
// than MaxAge are dropped and their ids retired.
func (tr *Tracker) Update(detections []Detection) []*Track {
	matchedTracks := make(map[int]bool)
	matchedDets := make(map[int]bool)

	// Greedy association: best score first. With a handful of subjects per
	// frame this is equivalent in practice to a full assignment solve.
	type candidate struct {
		trackIdx, detIdx int
		score            float64
	}
	var candidates []candidate
	for ti, track := range tr.tracks {
		for di, det := range detections {
			overlap := iou(track.X, track.Y, track.W, track.H, det.X, det.Y, det.W, det.H)
			if overlap < tr.cfg.IoUFloor {
				continue
			}
			if len(track.feature) > 0 && len(det.Feature) > 0 {
				if cosineDistance(track.feature, det.Feature) > tr.cfg.MaxCosine {
					continue
				}
			}
			candidates = append(candidates, candidate{trackIdx: ti, detIdx: di, score: overlap})
		}
	}
	// Insertion sort by descending score; candidate lists are tiny.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	for _, c := range candidates {
		if matchedTracks[c.trackIdx] || matchedDets[c.detIdx] {
			continue
		}
		matchedTracks[c.trackIdx] = true
		matchedDets[c.detIdx] = true

		track := tr.tracks[c.trackIdx]
		det := detections[c.detIdx]
		track.X, track.Y, track.W, track.H = det.X, det.Y, det.W, det.H
		track.Label = det.Label
		track.Confidence = det.Confidence
		if len(det.Feature) > 0 {
			track.feature = det.Feature
		}
		track.hits++
		track.misses = 0
		if track.State == Tentative && track.hits >= tr.cfg.ConfirmHits {
			track.State = Confirmed
			log.Debugf("Track %d confirmed after %d hits (%s)", track.ID, track.hits, track.Label)
		}
	}

	// Age unmatched tracks and drop the ones past MaxAge.
	survivors := tr.tracks[:0]
	for ti, track := range tr.tracks {
		if !matchedTracks[ti] {
			track.misses++
			// A tentative track that misses resets its confirmation streak.
			if track.State == Tentative {
				track.hits = 0
			}
			if track.misses > tr.cfg.MaxAge {
				log.Debugf("Track %d lost after %d missed frames", track.ID, track.misses)
				if tr.onRetire != nil {
					tr.onRetire(track.ID)
				}
				continue
			}
		}
		survivors = append(survivors, track)
	}
	tr.tracks = survivors

	// Open new tentative tracks for unmatched detections.
	for di, det := range detections {
		if matchedDets[di] {
			continue
		}
		track := &Track{
			ID:         tr.nextID,
			State:      Tentative,
			Label:      det.Label,
			Confidence: det.Confidence,
			X:          det.X,
			Y:          det.Y,
			W:          det.W,
			H:          det.H,
			hits:       1,
			feature:    det.Feature,
		}
		tr.nextID++
		tr.tracks = append(tr.tracks, track)
	}

	return tr.tracks
}

// iou computes intersection-over-union of two [x, y, w, h] boxes.
func iou(ax, ay, aw, ah, bx, by, bw, bh float64) float64 {
	x1 := math.Max(ax, bx)
	y1 := math.Max(ay, by)
	x2 := math.Min(ax+aw, bx+bw)
	y2 := math.Min(ay+ah, by+bh)

	iw := x2 - x1
	ih := y2 - y1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := aw*ah + bw*bh - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// cosineDistance returns 1 - cosine similarity of two vectors.
func cosineDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// Registry maps camera ids to their tracker instances. Trackers are created
// lazily on first use and never shared across cameras; once obtained, a
// tracker is driven exclusively by its camera's worker.
type Registry struct {
	mu       sync.Mutex
	trackers map[uint]*Tracker
	cfg      Config
	enabled  bool
}

// NewRegistry creates a tracker registry.
func NewRegistry(cfg Config, enabled bool) *Registry {
	return &Registry{
		trackers: make(map[uint]*Tracker),
		cfg:      cfg,
		enabled:  enabled,
	}
}

// Get returns the tracker for a camera, creating it on first use. It
// returns nil when tracking is disabled, which routes the session onto the
// cooldown fallback path.
func (r *Registry) Get(cameraID uint) *Tracker {
	if !r.enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tracker, ok := r.trackers[cameraID]
	if !ok {
		tracker = NewTracker(r.cfg)
		r.trackers[cameraID] = tracker
		log.Infof("Initialized identity tracker for camera %d", cameraID)
	}
	return tracker
}

// Remove discards a camera's tracker so a later session starts with no
// memory of prior tracks.
func (r *Registry) Remove(cameraID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[cameraID]; ok {
		delete(r.trackers, cameraID)
		log.Infof("Discarded identity tracker for camera %d", cameraID)
	}
}
