package detection

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gatewatch/config"
	"gatewatch/internal/core/models"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

// Backend selection values for the DNN configuration.
const (
	BackendDefault = "default"
	BackendCUDA    = "cuda"
	BackendOpenCL  = "opencl"
)

// Detection is one classified subject in a detection frame.
type Detection struct {
	Box        image.Rectangle // coordinates in the detection frame
	Label      string          // normalized class label
	Confidence float64
}

// Compliant reports whether the detection's label is the compliant class.
func (d Detection) Compliant() bool {
	return d.Label == models.StatusCompliant
}

// UniformDetector runs the uniform compliance classifier on video frames
// using an OpenCV DNN. The model is loaded once, lazily, and shared by all
// camera workers.
type UniformDetector struct {
	cfg         *config.DetectionConfig
	mu          sync.Mutex
	net         gocv.Net
	outputNames []string
	classNames  []string
	initialized bool
}

// NewUniformDetector creates the detector. The model is not loaded until
// the first Detect call so that startup does not pay for a model nobody
// streams against.
func NewUniformDetector(cfg *config.DetectionConfig) *UniformDetector {
	return &UniformDetector{cfg: cfg}
}

// ensureInitialized loads the DNN model on first use. Callers must hold mu.
func (d *UniformDetector) ensureInitialized() error {
	if d.initialized {
		return nil
	}

	if _, err := os.Stat(d.cfg.ModelPath); err != nil {
		return fmt.Errorf("model file not found: %s", d.cfg.ModelPath)
	}
	if _, err := os.Stat(d.cfg.ConfigPath); err != nil {
		return fmt.Errorf("model config not found: %s", d.cfg.ConfigPath)
	}

	log.Infof("Loading uniform compliance model: %s", d.cfg.ModelPath)
	net := gocv.ReadNet(d.cfg.ModelPath, d.cfg.ConfigPath)
	if net.Empty() {
		return fmt.Errorf("failed to load DNN model: %s", d.cfg.ModelPath)
	}

	switch d.cfg.Backend {
	case BackendCUDA:
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
		log.Info("DNN using CUDA backend")
	case BackendOpenCL:
		net.SetPreferableBackend(gocv.NetBackendOpenCV)
		net.SetPreferableTarget(gocv.NetTargetFP16)
		log.Info("DNN using OpenCL backend")
	default:
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	d.net = net
	d.outputNames = outputLayerNames(&net)
	d.classNames = loadClassNames(d.cfg.ClassesPath)
	d.initialized = true

	log.Infof("Uniform compliance model loaded (%d classes, %d output layers)",
		len(d.classNames), len(d.outputNames))
	return nil
}

// outputLayerNames resolves the unconnected output layers of the network.
func outputLayerNames(net *gocv.Net) []string {
	var names []string
	for _, idx := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(idx)
		name := layer.GetName()
		layer.Close()
		if name != "" && name != "_input" {
			names = append(names, name)
		}
	}
	return names
}

// loadClassNames reads the class list, one label per line. Falls back to the
// two built-in compliance classes when no file is configured.
func loadClassNames(path string) []string {
	fallback := []string{models.StatusCompliant, models.StatusNonCompliant}
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("Failed to read class list %s, using built-in classes: %v", path, err)
		return fallback
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, NormalizeLabel(line))
		}
	}
	if len(names) == 0 {
		return fallback
	}
	return names
}

// NormalizeLabel canonicalizes a model class label: lowercase with
// underscores, except the two compliance states which keep their hyphen.
func NormalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == models.StatusCompliant || label == models.StatusNonCompliant {
		return label
	}
	label = strings.ReplaceAll(label, " ", "_")
	return label
}

// Detect classifies subjects in a detection-sized frame. The frame must
// already be resized to the configured square input size; returned boxes
// are in that frame's coordinate space.
func (d *UniformDetector) Detect(frame gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureInitialized(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(
		frame,
		1.0/255.0,
		image.Point{X: size, Y: size},
		gocv.NewScalar(0, 0, 0, 0),
		true,  // BGR to RGB
		false, // no crop
	)
	defer blob.Close()

	d.net.SetInput(blob, "")
	outputs := d.net.ForwardLayers(d.outputNames)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	return d.parseOutputs(outputs, frame.Cols(), frame.Rows()), nil
}

// parseOutputs decodes YOLO output tensors. Each row is
// [cx, cy, w, h, objectness, class scores...] with coordinates relative to
// the input size.
func (d *UniformDetector) parseOutputs(outputs []gocv.Mat, frameW, frameH int) []Detection {
	var boxes []image.Rectangle
	var confidences []float32
	var classIDs []int

	for _, out := range outputs {
		data, err := out.DataPtrFloat32()
		if err != nil {
			log.WithError(err).Error("Failed to read DNN output tensor")
			continue
		}
		cols := out.Cols()
		if cols < 6 {
			continue
		}
		for row := 0; row < out.Rows(); row++ {
			offset := row * cols

			bestClass := 0
			bestScore := float32(0)
			for c := 5; c < cols; c++ {
				if data[offset+c] > bestScore {
					bestScore = data[offset+c]
					bestClass = c - 5
				}
			}
			confidence := data[offset+4] * bestScore
			if float64(confidence) < d.cfg.ConfidenceThreshold {
				continue
			}

			cx := data[offset] * float32(frameW)
			cy := data[offset+1] * float32(frameH)
			w := data[offset+2] * float32(frameW)
			h := data[offset+3] * float32(frameH)

			boxes = append(boxes, image.Rect(
				int(cx-w/2), int(cy-h/2),
				int(cx+w/2), int(cy+h/2),
			))
			confidences = append(confidences, confidence)
			classIDs = append(classIDs, bestClass)
		}
	}

	if len(boxes) == 0 {
		return nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, float32(d.cfg.ConfidenceThreshold), float32(d.cfg.NMSThreshold))

	detections := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		label := models.StatusNonCompliant
		if classIDs[idx] < len(d.classNames) {
			label = d.classNames[classIDs[idx]]
		}
		detections = append(detections, Detection{
			Box:        boxes[idx],
			Label:      label,
			Confidence: float64(confidences[idx]),
		})
	}
	return detections
}

// Close releases the DNN.
func (d *UniformDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		if err := d.net.Close(); err != nil {
			return err
		}
		d.initialized = false
	}
	return nil
}
