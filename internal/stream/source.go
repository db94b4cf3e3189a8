package stream

import (
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"gatewatch/config"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// TestStreamURL marks a camera as a loopback test feed. Sessions on such a
// camera run the full loop against synthetic frames and skip inference.
const TestStreamURL = "test"

// FrameSource hands out video frames. Read returns the newest available
// frame and false once the source has permanently ended; a returned frame
// is owned by the caller and must be closed.
type FrameSource interface {
	Read() (gocv.Mat, bool)
	Close() error
}

// CaptureSource wraps a gocv VideoCapture. A background goroutine drains
// the stream continuously so Read always yields the most recent frame
// instead of a stale buffered one.
type CaptureSource struct {
	capture *gocv.VideoCapture
	url     string

	mu     sync.Mutex
	latest gocv.Mat
	fresh  bool
	ended  bool

	done    chan struct{}
	drained chan struct{}
	closed  sync.Once
}

// OpenCapture connects to a stream URL, retrying on failure. Numeric URLs
// select local capture devices.
func OpenCapture(url string, cfg *config.StreamConfig) (*CaptureSource, error) {
	var capture *gocv.VideoCapture
	var err error

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		if deviceID, convErr := strconv.Atoi(url); convErr == nil {
			capture, err = gocv.OpenVideoCapture(deviceID)
		} else {
			capture, err = gocv.OpenVideoCapture(url)
		}
		if err == nil && capture.IsOpened() {
			break
		}
		if capture != nil {
			capture.Close()
			capture = nil
		}
		if err == nil {
			err = fmt.Errorf("stream not opened")
		}
		log.Warnf("Stream connect attempt %d/%d failed for %s: %v", attempt, retries, url, err)
		if attempt < retries {
			time.Sleep(cfg.RetryBackoff)
		}
	}
	if capture == nil {
		return nil, fmt.Errorf("failed to open stream %s after %d attempts: %w", url, retries, err)
	}

	s := &CaptureSource{
		capture: capture,
		url:     url,
		latest:  gocv.NewMat(),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.drain()

	log.Infof("Stream opened: %s", url)
	return s, nil
}

// drain keeps reading so the decoder buffer never runs ahead of us.
func (s *CaptureSource) drain() {
	defer close(s.drained)

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if ok := s.capture.Read(&frame); !ok || frame.Empty() {
			log.Infof("Stream ended: %s", s.url)
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		frame.CopyTo(&s.latest)
		s.fresh = true
		s.mu.Unlock()
	}
}

// Read returns a copy of the newest frame. It returns false only when the
// stream has permanently ended; when no new frame has arrived yet it spins
// briefly and reports the previous frame again.
func (s *CaptureSource) Read() (gocv.Mat, bool) {
	for i := 0; ; i++ {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return gocv.Mat{}, false
		}
		if s.fresh || (!s.latest.Empty() && i > 0) {
			out := s.latest.Clone()
			s.fresh = false
			s.mu.Unlock()
			return out, true
		}
		s.mu.Unlock()

		// First frame not decoded yet.
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the background reader and releases the capture. The capture
// is only released once drain has returned, so no read is in flight when
// the decoder goes away. Safe to call more than once.
func (s *CaptureSource) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.done)
		<-s.drained
		err = s.capture.Close()
		s.mu.Lock()
		s.ended = true
		s.latest.Close()
		s.mu.Unlock()
	})
	return err
}

// SyntheticSource produces blank frames at a fixed rate. It backs the
// loopback test feed so the session machinery can be exercised without a
// camera.
type SyntheticSource struct {
	width, height int
	interval      time.Duration

	done   chan struct{}
	closed sync.Once
}

// NewSyntheticSource creates a test frame source at roughly 10 fps.
func NewSyntheticSource(width, height int) *SyntheticSource {
	return &SyntheticSource{
		width:    width,
		height:   height,
		interval: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Read produces the next synthetic frame after the frame interval.
func (s *SyntheticSource) Read() (gocv.Mat, bool) {
	select {
	case <-s.done:
		return gocv.Mat{}, false
	case <-time.After(s.interval):
	}
	return gocv.NewMatWithSize(s.height, s.width, gocv.MatTypeCV8UC3), true
}

// Close ends the synthetic feed.
func (s *SyntheticSource) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// resizeTo returns frame scaled to the given size, or a clone when it
// already matches.
func resizeTo(frame gocv.Mat, width, height int) gocv.Mat {
	if frame.Cols() == width && frame.Rows() == height {
		return frame.Clone()
	}
	out := gocv.NewMat()
	gocv.Resize(frame, &out, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
	return out
}
