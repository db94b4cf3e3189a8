package stream

import (
	"image"

	"gatewatch/internal/core/models"
	"gatewatch/internal/detection"
	"gatewatch/internal/tracking"
)

// trackEvent is one accepted compliance event produced by a frame.
type trackEvent struct {
	TrackID    int
	Status     string
	Confidence float64
	Box        image.Rectangle // detection-frame coordinates
}

// evaluateTracks turns the current track set into the events that may be
// recorded this frame: only confirmed tracks, only above the record floor,
// and at most once per (track, status) epoch.
func evaluateTracks(tracks []*tracking.Track, dedup tracking.Deduplicator, recordThreshold float64) []trackEvent {
	var events []trackEvent
	for _, track := range tracks {
		if track.State != tracking.Confirmed {
			continue
		}
		if track.Confidence < recordThreshold {
			continue
		}
		if !dedup.Allow(track.ID, track.Label) {
			continue
		}
		x1, y1, x2, y2 := track.Box()
		events = append(events, trackEvent{
			TrackID:    track.ID,
			Status:     track.Label,
			Confidence: track.Confidence,
			Box:        image.Rect(int(x1), int(y1), int(x2), int(y2)),
		})
	}
	return events
}

// evaluateDetections is the fallback event path when no tracker is
// available: raw detections gated only by the record floor and the
// cooldown window.
func evaluateDetections(detections []detection.Detection, dedup tracking.Deduplicator, recordThreshold float64) []trackEvent {
	var events []trackEvent
	for _, det := range detections {
		if det.Confidence < recordThreshold {
			continue
		}
		if !dedup.Allow(0, det.Label) {
			continue
		}
		events = append(events, trackEvent{
			Status:     det.Label,
			Confidence: det.Confidence,
			Box:        det.Box,
		})
	}
	return events
}

// scaleBox maps a detection-frame box into display-frame coordinates,
// clamped to the display bounds.
func scaleBox(box image.Rectangle, fromW, fromH, toW, toH int) models.BoundingBox {
	if fromW <= 0 || fromH <= 0 {
		return models.BoundingBox{}
	}
	sx := float64(toW) / float64(fromW)
	sy := float64(toH) / float64(fromH)

	scaled := models.BoundingBox{
		X1: int(float64(box.Min.X) * sx),
		Y1: int(float64(box.Min.Y) * sy),
		X2: int(float64(box.Max.X) * sx),
		Y2: int(float64(box.Max.Y) * sy),
	}
	scaled.X1 = clamp(scaled.X1, 0, toW)
	scaled.Y1 = clamp(scaled.Y1, 0, toH)
	scaled.X2 = clamp(scaled.X2, 0, toW)
	scaled.Y2 = clamp(scaled.Y2, 0, toH)
	return scaled
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toTrackerDetections converts classifier output into tracker input.
func toTrackerDetections(dets []detection.Detection, features [][]float64) []tracking.Detection {
	out := make([]tracking.Detection, len(dets))
	for i, d := range dets {
		out[i] = tracking.Detection{
			X:          float64(d.Box.Min.X),
			Y:          float64(d.Box.Min.Y),
			W:          float64(d.Box.Dx()),
			H:          float64(d.Box.Dy()),
			Confidence: d.Confidence,
			Label:      d.Label,
		}
		if i < len(features) {
			out[i].Feature = features[i]
		}
	}
	return out
}
