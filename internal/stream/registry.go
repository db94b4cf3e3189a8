package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gatewatch/config"
	"gatewatch/internal/core/models"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/detection"
	"gatewatch/internal/escalation"
	"gatewatch/internal/sse"
	"gatewatch/internal/tracking"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// ErrStreamUnavailable marks a session start that failed because the
// camera's stream could not be opened.
var ErrStreamUnavailable = errors.New("stream unavailable")

// Detector classifies subjects in a detection-sized frame.
type Detector interface {
	Detect(frame gocv.Mat) ([]detection.Detection, error)
}

// EventPublisher pushes accepted detection events to an external broker.
type EventPublisher interface {
	PublishDetection(event sse.DetectionEvent)
}

// Session is one running acquisition loop for a camera.
type Session struct {
	Camera    models.Camera
	StartedAt time.Time
	StartedBy string

	cancel context.CancelFunc
	opened chan error
	done   chan struct{}
}

// Registry starts, supervises and stops camera sessions. One session per
// camera; a second start on the same camera is rejected while the first is
// alive.
type Registry struct {
	cfg      *config.Config
	repo     repository.Repository
	detector Detector
	trackers *tracking.Registry
	engine   *escalation.Engine
	hub      *sse.Hub
	events   EventPublisher // optional

	mu       sync.Mutex
	sessions map[uint]*Session

	// openSource is swapped in tests to avoid real capture devices.
	openSource func(camera models.Camera) (FrameSource, error)
}

// NewRegistry creates the session registry.
func NewRegistry(cfg *config.Config, repo repository.Repository, det Detector,
	trackers *tracking.Registry, engine *escalation.Engine, hub *sse.Hub, events EventPublisher) *Registry {

	r := &Registry{
		cfg:      cfg,
		repo:     repo,
		detector: det,
		trackers: trackers,
		engine:   engine,
		hub:      hub,
		events:   events,
		sessions: make(map[uint]*Session),
	}
	r.openSource = r.defaultOpenSource
	return r
}

func (r *Registry) defaultOpenSource(camera models.Camera) (FrameSource, error) {
	if camera.StreamURL == TestStreamURL {
		return NewSyntheticSource(r.cfg.Stream.DisplayWidth, r.cfg.Stream.DisplayHeight), nil
	}
	return OpenCapture(camera.StreamURL, &r.cfg.Stream)
}

// staggerDelay spreads simultaneous session starts so cameras do not all
// hit the network and the model at the same instant.
func (r *Registry) staggerDelay(cameraID uint) time.Duration {
	slots := r.cfg.Stream.StaggerSlots
	if slots <= 0 {
		return 0
	}
	return time.Duration(cameraID%uint(slots)) * r.cfg.Stream.StaggerInterval
}

// Start begins a session for the camera. It returns an error when the
// camera is inactive, already streaming, or the stream cannot be opened;
// a session only exists once its stream has connected.
func (r *Registry) Start(camera models.Camera, startedBy string) error {
	if !camera.IsActive {
		return fmt.Errorf("camera %d is not active", camera.ID)
	}

	r.mu.Lock()
	if _, exists := r.sessions[camera.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("camera %d is already streaming", camera.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		Camera:    camera,
		StartedAt: time.Now(),
		StartedBy: startedBy,
		cancel:    cancel,
		opened:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	r.sessions[camera.ID] = session
	r.mu.Unlock()

	go r.run(ctx, session)

	// The loop reports the open result after the stagger delay; connect
	// failures surface here instead of leaving a phantom session behind.
	if err := <-session.opened; err != nil {
		<-session.done
		return fmt.Errorf("%w for camera %d: %v", ErrStreamUnavailable, camera.ID, err)
	}

	if err := r.repo.SetCameraStreaming(camera.ID, true, startedBy); err != nil {
		log.WithError(err).Warnf("Failed to mark camera %d streaming", camera.ID)
	}

	log.Infof("Stream session started for camera %d (%s) by %s", camera.ID, camera.Name, startedBy)
	return nil
}

// Stop ends a camera's session and waits for the loop to exit.
func (r *Registry) Stop(cameraID uint) error {
	r.mu.Lock()
	session, exists := r.sessions[cameraID]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("camera %d is not streaming", cameraID)
	}

	session.cancel()
	<-session.done
	return nil
}

// StopAll ends every running session, used at shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
	}
}

// Running reports whether a camera has a live session.
func (r *Registry) Running(cameraID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[cameraID]
	return ok
}

// Sessions returns a snapshot of the running sessions.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// finish tears a session down: registry entry, tracker state and the
// durable streaming flag.
func (r *Registry) finish(session *Session) {
	cameraID := session.Camera.ID

	// Release the cancellation watcher even when the session ends on its own.
	session.cancel()

	r.mu.Lock()
	delete(r.sessions, cameraID)
	r.mu.Unlock()

	r.trackers.Remove(cameraID)
	if err := r.repo.SetCameraStreaming(cameraID, false, ""); err != nil {
		log.WithError(err).Warnf("Failed to clear streaming flag for camera %d", cameraID)
	}

	close(session.done)
	log.Infof("Stream session ended for camera %d (%s)", cameraID, session.Camera.Name)
}

// run is the per-camera acquisition loop. Any terminal condition (context
// cancelled, stream ended, camera deactivated, inference failure) ends the
// session; errors never escape to other cameras.
func (r *Registry) run(ctx context.Context, session *Session) {
	defer r.finish(session)

	camera := session.Camera

	if delay := r.staggerDelay(camera.ID); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			session.opened <- ctx.Err()
			return
		}
	}

	source, err := r.openSource(camera)
	if err != nil {
		log.WithError(err).Errorf("Failed to open stream for camera %d", camera.ID)
		session.opened <- err
		return
	}
	session.opened <- nil
	defer source.Close()

	// A blocked Read must also observe cancellation.
	go func() {
		<-ctx.Done()
		source.Close()
	}()

	// Pick the dedup strategy once for the whole session.
	tracker := r.trackers.Get(camera.ID)
	var dedup tracking.Deduplicator
	if tracker != nil {
		latch := tracking.NewTrackLatch()
		tracker.OnRetire(latch.Retire)
		dedup = latch
	} else {
		dedup = tracking.NewCooldownDedup(r.cfg.Escalation.Cooldown)
		log.Infof("Camera %d running without tracker, using %s cooldown dedup",
			camera.ID, r.cfg.Escalation.Cooldown)
	}

	testMode := camera.StreamURL == TestStreamURL
	activeCheck := time.NewTicker(r.cfg.Stream.ActiveCheck)
	defer activeCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-activeCheck.C:
			active, err := r.repo.CameraIsActive(camera.ID)
			if err != nil {
				log.WithError(err).Warnf("Failed to re-check active flag for camera %d", camera.ID)
			} else if !active {
				log.Infof("Camera %d deactivated, ending session", camera.ID)
				return
			}
		default:
		}

		frame, ok := source.Read()
		if !ok {
			log.Infof("Stream for camera %d ended", camera.ID)
			return
		}

		if testMode {
			// Loopback feed: exercise the session machinery, skip inference.
			frame.Close()
			continue
		}

		if err := r.processFrame(camera, frame, tracker, dedup); err != nil {
			log.WithError(err).Errorf("Frame processing failed for camera %d, ending session", camera.ID)
			frame.Close()
			return
		}
		frame.Close()
	}
}

// processFrame runs one frame through detection, tracking and escalation.
func (r *Registry) processFrame(camera models.Camera, frame gocv.Mat, tracker *tracking.Tracker, dedup tracking.Deduplicator) error {
	size := r.cfg.Detection.InputSize
	detFrame := resizeTo(frame, size, size)
	defer detFrame.Close()

	detections, err := r.detector.Detect(detFrame)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}

	var events []trackEvent
	if tracker != nil {
		features := make([][]float64, len(detections))
		for i, det := range detections {
			features[i] = detection.AppearanceFeature(detFrame, det.Box)
		}
		tracks := tracker.Update(toTrackerDetections(detections, features))
		events = evaluateTracks(tracks, dedup, r.cfg.Escalation.RecordThreshold)
	} else {
		events = evaluateDetections(detections, dedup, r.cfg.Escalation.RecordThreshold)
	}
	if len(events) == 0 {
		return nil
	}

	// One display-resolution frame encode serves every event of this frame.
	var jpeg []byte
	for _, ev := range events {
		if ev.Status == models.StatusNonCompliant && ev.Confidence >= r.cfg.Escalation.SnapshotThreshold {
			displayFrame := resizeTo(frame, r.cfg.Stream.DisplayWidth, r.cfg.Stream.DisplayHeight)
			buf, err := gocv.IMEncode(".jpg", displayFrame)
			displayFrame.Close()
			if err != nil {
				log.WithError(err).Warnf("Failed to encode violation frame for camera %d", camera.ID)
			} else {
				jpeg = make([]byte, len(buf.GetBytes()))
				copy(jpeg, buf.GetBytes())
				buf.Close()
			}
			break
		}
	}

	now := time.Now()
	for _, ev := range events {
		box := scaleBox(ev.Box, size, size, r.cfg.Stream.DisplayWidth, r.cfg.Stream.DisplayHeight)

		result, err := r.engine.RecordDetection(escalation.DetectionInput{
			CameraID:   camera.ID,
			Status:     ev.Status,
			Confidence: ev.Confidence,
			Box:        box,
			Frame:      jpeg,
			Timestamp:  now,
		})
		if err != nil {
			log.WithError(err).Errorf("Failed to record detection for camera %d", camera.ID)
			continue
		}
		if result == nil {
			continue
		}

		event := sse.DetectionEvent{
			CameraID:   camera.ID,
			CameraName: camera.Name,
			Status:     ev.Status,
			Confidence: ev.Confidence,
			TrackID:    ev.TrackID,
			Timestamp:  now,
		}
		if result.Snapshot != nil {
			event.SnapshotID = result.Snapshot.ID
			event.SnapshotURL = result.Snapshot.ImageURL
		}
		r.hub.BroadcastDetection(event)
		if r.events != nil {
			r.events.PublishDetection(event)
		}
	}
	return nil
}
