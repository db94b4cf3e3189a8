package stream

import (
	"image"
	"testing"

	"gatewatch/internal/core/models"
	"gatewatch/internal/detection"
	"gatewatch/internal/tracking"
)

func confirmedTrack(tr *tracking.Tracker, label string, conf float64) []*tracking.Track {
	var tracks []*tracking.Track
	for i := 0; i < 3; i++ {
		tracks = tr.Update([]tracking.Detection{{
			X: 100, Y: 100, W: 50, H: 120, Confidence: conf, Label: label,
		}})
	}
	return tracks
}

func TestEvaluateTracksIgnoresTentative(t *testing.T) {
	tr := tracking.NewTracker(tracking.Config{ConfirmHits: 3})
	dedup := tracking.NewTrackLatch()

	tracks := tr.Update([]tracking.Detection{{
		X: 100, Y: 100, W: 50, H: 120, Confidence: 0.9, Label: models.StatusNonCompliant,
	}})

	events := evaluateTracks(tracks, dedup, 0.5)
	if len(events) != 0 {
		t.Errorf("tentative track must produce no events, got %d", len(events))
	}
}

func TestEvaluateTracksFiresOncePerTrackAndStatus(t *testing.T) {
	tr := tracking.NewTracker(tracking.Config{ConfirmHits: 3})
	dedup := tracking.NewTrackLatch()

	tracks := confirmedTrack(tr, models.StatusNonCompliant, 0.9)

	events := evaluateTracks(tracks, dedup, 0.5)
	if len(events) != 1 {
		t.Fatalf("expected 1 event from confirmed track, got %d", len(events))
	}
	if events[0].Status != models.StatusNonCompliant || events[0].Confidence != 0.9 {
		t.Errorf("unexpected event: %+v", events[0])
	}

	// Same track, same status on the next frame: latched.
	tracks = tr.Update([]tracking.Detection{{
		X: 102, Y: 101, W: 50, H: 120, Confidence: 0.9, Label: models.StatusNonCompliant,
	}})
	if events := evaluateTracks(tracks, dedup, 0.5); len(events) != 0 {
		t.Errorf("repeat status on same track must be latched, got %d events", len(events))
	}

	// Status change on the same track is a new event.
	tracks = tr.Update([]tracking.Detection{{
		X: 104, Y: 102, W: 50, H: 120, Confidence: 0.9, Label: models.StatusCompliant,
	}})
	if events := evaluateTracks(tracks, dedup, 0.5); len(events) != 1 {
		t.Errorf("status change must produce an event, got %d", len(events))
	}
}

func TestEvaluateTracksAppliesRecordFloor(t *testing.T) {
	tr := tracking.NewTracker(tracking.Config{ConfirmHits: 3})
	dedup := tracking.NewTrackLatch()

	tracks := confirmedTrack(tr, models.StatusNonCompliant, 0.45)
	if events := evaluateTracks(tracks, dedup, 0.5); len(events) != 0 {
		t.Errorf("track below record floor must produce no events, got %d", len(events))
	}
}

func TestEvaluateDetectionsUsesCooldown(t *testing.T) {
	dedup := tracking.NewCooldownDedup(0) // zero window: every event admitted
	dets := []detection.Detection{
		{Box: image.Rect(0, 0, 50, 120), Label: models.StatusNonCompliant, Confidence: 0.8},
		{Box: image.Rect(200, 0, 250, 120), Label: models.StatusCompliant, Confidence: 0.3},
	}

	events := evaluateDetections(dets, dedup, 0.5)
	if len(events) != 1 {
		t.Fatalf("expected 1 event (low confidence filtered), got %d", len(events))
	}
	if events[0].Status != models.StatusNonCompliant {
		t.Errorf("unexpected event status %s", events[0].Status)
	}
}

func TestScaleBox(t *testing.T) {
	// 416x416 detection frame to 800x450 display frame.
	box := scaleBox(image.Rect(104, 104, 208, 312), 416, 416, 800, 450)

	want := models.BoundingBox{X1: 200, Y1: 112, X2: 400, Y2: 337}
	if box != want {
		t.Errorf("scaleBox = %+v, want %+v", box, want)
	}
}

func TestScaleBoxClampsToDisplayBounds(t *testing.T) {
	box := scaleBox(image.Rect(-20, -20, 500, 500), 416, 416, 800, 450)

	if box.X1 < 0 || box.Y1 < 0 {
		t.Errorf("expected clamped origin, got %+v", box)
	}
	if box.X2 > 800 || box.Y2 > 450 {
		t.Errorf("expected clamped extent, got %+v", box)
	}
}

func TestToTrackerDetections(t *testing.T) {
	dets := []detection.Detection{
		{Box: image.Rect(10, 20, 60, 140), Label: models.StatusCompliant, Confidence: 0.7},
	}
	features := [][]float64{{1, 2, 3}}

	out := toTrackerDetections(dets, features)
	if len(out) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(out))
	}
	d := out[0]
	if d.X != 10 || d.Y != 20 || d.W != 50 || d.H != 120 {
		t.Errorf("unexpected geometry: %+v", d)
	}
	if len(d.Feature) != 3 {
		t.Errorf("expected feature carried over, got %v", d.Feature)
	}
}
