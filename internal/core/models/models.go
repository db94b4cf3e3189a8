package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Compliance status values as recorded on detections.
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non-compliant"
)

// Violation type tags carried on warnings.
const (
	ViolationImproperUniform   = "improper_uniform"
	ViolationMissingID         = "missing_id"
	ViolationCivilianClothes   = "civilian_clothes"
	ViolationMissingUniformTop = "missing_uniform_top"
	ViolationOther             = "other"
)

// Camera holds the configuration of a single surveillance camera.
// StreamURL may be an RTSP URL, an HTTP(S) URL, a bare device index
// ("0", "1", ...) or the literal "test" for a non-inference test session.
type Camera struct {
	gorm.Model
	Name           string     `gorm:"not null" json:"name"`
	Location       string     `json:"location"`
	StreamURL      string     `gorm:"not null" json:"stream_url"`
	IsActive       bool       `gorm:"default:true;index" json:"is_active"`
	IsStreaming    bool       `gorm:"default:false" json:"is_streaming"`
	LastStreamedBy string     `json:"last_streamed_by"`
	LastStreamedAt *time.Time `json:"last_streamed_at"`
}

// BoundingBox is a box in display-frame coordinates.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// JSON encodes the box for storage in a JSON column.
func (b BoundingBox) JSON() datatypes.JSON {
	raw, _ := json.Marshal(b)
	return datatypes.JSON(raw)
}

// ViolationSnapshot stores a captured non-compliant detection awaiting
// (or past) human identification. Identification fields are filled later
// by a reviewer; sent_to_admin implies identified.
type ViolationSnapshot struct {
	gorm.Model
	CameraID    *uint          `gorm:"index" json:"camera_id"` // nullable: camera may be deleted later
	Camera      *Camera        `gorm:"foreignKey:CameraID" json:"camera,omitempty"`
	ImageURL    string         `json:"image_url"`              // empty when image capture/upload failed
	ImageRef    string         `json:"-"`                      // blob reference used to release the stored image
	Timestamp   time.Time      `gorm:"index" json:"timestamp"`
	Confidence  float64        `json:"confidence"`
	BoundingBox datatypes.JSON `gorm:"type:json" json:"bounding_box"`

	// Student identification, filled manually by security personnel.
	// StudentName is the escalation grouping key; StudentID is audit-only.
	StudentID   string `json:"student_id"`
	StudentName string `gorm:"index" json:"student_name"`
	Department  string `json:"department"`
	Gender      string `json:"gender"`

	// Workflow flags.
	Identified  bool   `gorm:"default:false;index" json:"identified"`
	Reviewed    bool   `gorm:"default:false" json:"reviewed"`
	SentToAdmin bool   `gorm:"default:false" json:"sent_to_admin"`
	Notes       string `json:"notes"`
}

// Warning records a pre-violation offense. Warnings are keyed purely by
// the free-text student name; two students sharing a name share a warning
// history. Expiry is evaluated lazily against detected_at — is_expired is
// an audit marker maintained by the cleanup service, not the source of truth.
type Warning struct {
	gorm.Model
	StudentName   string  `gorm:"index:idx_warning_student,priority:1;not null" json:"student_name"`
	StudentID     string  `json:"student_id"`
	Department    string  `json:"department"`
	Gender        string  `json:"gender"`
	ViolationType string  `gorm:"default:improper_uniform" json:"violation_type"`
	DetectedBy    string  `json:"detected_by"`
	CameraID      *uint   `gorm:"index" json:"camera_id"`
	Camera        *Camera `gorm:"foreignKey:CameraID" json:"camera,omitempty"`
	ImageURL      string  `json:"image_url"`

	DetectedAt time.Time `gorm:"index:idx_warning_student,priority:2;index" json:"detected_at"`
	Notes      string    `json:"notes"`
	IsExpired  bool      `gorm:"default:false;index" json:"is_expired"`
}

// ComplianceDetection tracks every accepted detection event, compliant and
// non-compliant, as the substrate for statistics. Rows are append-only;
// only the nullable camera link changes when a camera is deleted.
type ComplianceDetection struct {
	gorm.Model
	CameraID   *uint     `gorm:"index:idx_detection_camera_ts,priority:1" json:"camera_id"`
	Camera     *Camera   `gorm:"foreignKey:CameraID" json:"camera,omitempty"`
	Timestamp  time.Time `gorm:"index:idx_detection_camera_ts,priority:2;index:idx_detection_status_ts,priority:2" json:"timestamp"`
	Status     string    `gorm:"index:idx_detection_status_ts,priority:1" json:"status"`
	Confidence float64   `json:"confidence"`

	// Linked snapshot when the status is non-compliant.
	ViolationSnapshotID *uint              `gorm:"uniqueIndex" json:"violation_snapshot_id"`
	ViolationSnapshot   *ViolationSnapshot `gorm:"foreignKey:ViolationSnapshotID" json:"violation_snapshot,omitempty"`
}
