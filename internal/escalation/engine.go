package escalation

import (
	"fmt"
	"time"

	"gatewatch/config"
	"gatewatch/internal/core/models"
	"gatewatch/internal/db/repository"

	log "github.com/sirupsen/logrus"
)

// Outcome of an identification.
const (
	OutcomeWarning   = "warning"
	OutcomeViolation = "violation"
)

// ImageStore abstracts the snapshot blob store so the engine can be tested
// without touching the filesystem.
type ImageStore interface {
	Save(jpeg []byte) (ref string, url string, err error)
	Delete(ref string) error
}

// DetectionInput is one accepted compliance event from a camera session.
type DetectionInput struct {
	CameraID   uint
	Status     string
	Confidence float64
	Box        models.BoundingBox
	Frame      []byte // encoded display-resolution JPEG, may be nil
	Timestamp  time.Time
}

// RecordResult reports what RecordDetection persisted.
type RecordResult struct {
	Detection *models.ComplianceDetection
	Snapshot  *models.ViolationSnapshot // nil when no snapshot was warranted
}

// IdentifyInput carries reviewer-supplied identity for a snapshot.
type IdentifyInput struct {
	StudentID     string
	StudentName   string
	Department    string
	Gender        string
	ViolationType string
	IdentifiedBy  string
}

// IdentifyResult reports how an identification resolved.
type IdentifyResult struct {
	Outcome           string `json:"outcome"`
	WarningCount      int64  `json:"warning_count,omitempty"`      // active warnings after a warning outcome
	RemainingWarnings int64  `json:"remaining_warnings,omitempty"` // warnings left before events become violations
	ViolationCount    int64  `json:"violation_count,omitempty"`    // identified violations after a violation outcome
	SentToAdmin       bool   `json:"sent_to_admin"`
}

// Engine applies the warning and violation escalation policy. It owns every
// durable write that a compliance event can cause.
type Engine struct {
	cfg   *config.EscalationConfig
	repo  repository.Repository
	store ImageStore
	now   func() time.Time
}

// NewEngine creates the escalation engine.
func NewEngine(cfg *config.EscalationConfig, repo repository.Repository, store ImageStore) *Engine {
	return &Engine{cfg: cfg, repo: repo, store: store, now: time.Now}
}

// warningCutoff returns the start of the rolling active-warning window.
func (e *Engine) warningCutoff() time.Time {
	return e.now().AddDate(0, 0, -e.cfg.WarningExpiryDays)
}

// RecordDetection persists an accepted compliance event. Every event above
// the record threshold becomes a ComplianceDetection row; a non-compliant
// event above the snapshot threshold additionally gets a ViolationSnapshot
// with the captured frame. A failed image write does not lose the snapshot,
// the record is kept without an image.
func (e *Engine) RecordDetection(in DetectionInput) (*RecordResult, error) {
	if in.Confidence < e.cfg.RecordThreshold {
		return nil, nil
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = e.now()
	}

	detection := &models.ComplianceDetection{
		CameraID:   &in.CameraID,
		Timestamp:  in.Timestamp,
		Status:     in.Status,
		Confidence: in.Confidence,
	}

	var snapshot *models.ViolationSnapshot
	if in.Status == models.StatusNonCompliant && in.Confidence >= e.cfg.SnapshotThreshold {
		snapshot = &models.ViolationSnapshot{
			CameraID:    &in.CameraID,
			Timestamp:   in.Timestamp,
			Confidence:  in.Confidence,
			BoundingBox: in.Box.JSON(),
		}

		if len(in.Frame) > 0 {
			ref, url, err := e.store.Save(in.Frame)
			if err != nil {
				log.WithError(err).Errorf("Failed to store violation image for camera %d, keeping snapshot without image", in.CameraID)
			} else {
				snapshot.ImageRef = ref
				snapshot.ImageURL = url
			}
		}

		if err := e.repo.SaveSnapshot(snapshot); err != nil {
			if snapshot.ImageRef != "" {
				if delErr := e.store.Delete(snapshot.ImageRef); delErr != nil {
					log.WithError(delErr).Warn("Failed to release orphaned violation image")
				}
			}
			return nil, fmt.Errorf("failed to save violation snapshot: %w", err)
		}
		detection.ViolationSnapshotID = &snapshot.ID
	}

	if err := e.repo.CreateDetection(detection); err != nil {
		return nil, fmt.Errorf("failed to save compliance detection: %w", err)
	}

	if snapshot != nil {
		log.Infof("Violation snapshot %d recorded for camera %d (confidence %.2f)",
			snapshot.ID, in.CameraID, in.Confidence)
	}
	return &RecordResult{Detection: detection, Snapshot: snapshot}, nil
}

// IdentifyViolation resolves a violation snapshot against a named student.
// While the student's active warnings are below the warning threshold the
// event stays a warning: a Warning row is created and the snapshot is
// dropped. At the threshold the snapshot is kept as an identified violation,
// and once the student's identified violations reach the admin flag
// threshold, all of them are flagged for the administration in one update.
func (e *Engine) IdentifyViolation(snapshotID uint, in IdentifyInput) (*IdentifyResult, error) {
	if in.StudentName == "" {
		return nil, fmt.Errorf("student name is required")
	}

	snapshot, err := e.repo.GetSnapshotByID(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot %d not found", snapshotID)
	}
	if snapshot.Identified {
		return nil, fmt.Errorf("snapshot %d is already identified", snapshotID)
	}

	violationType := in.ViolationType
	if violationType == "" {
		violationType = models.ViolationImproperUniform
	}

	active, err := e.repo.CountActiveWarnings(in.StudentName, e.warningCutoff())
	if err != nil {
		return nil, fmt.Errorf("failed to count active warnings: %w", err)
	}

	if active < int64(e.cfg.WarningThreshold) {
		warning := &models.Warning{
			StudentName:   in.StudentName,
			StudentID:     in.StudentID,
			Department:    in.Department,
			Gender:        in.Gender,
			ViolationType: violationType,
			DetectedBy:    in.IdentifiedBy,
			CameraID:      snapshot.CameraID,
			ImageURL:      snapshot.ImageURL,
			DetectedAt:    e.now(),
			Notes:         fmt.Sprintf("Warning %d of %d", active+1, e.cfg.WarningThreshold),
		}
		if err := e.repo.SaveWarning(warning); err != nil {
			return nil, fmt.Errorf("failed to save warning: %w", err)
		}
		// The snapshot row is consumed by the warning; the image stays
		// reachable through the warning record.
		if err := e.repo.DeleteSnapshot(snapshot.ID); err != nil {
			return nil, fmt.Errorf("failed to remove snapshot after warning: %w", err)
		}

		log.Infof("Warning %d of %d issued to %s (%s)",
			active+1, e.cfg.WarningThreshold, in.StudentName, violationType)
		return &IdentifyResult{
			Outcome:           OutcomeWarning,
			WarningCount:      active + 1,
			RemainingWarnings: int64(e.cfg.WarningThreshold) - (active + 1),
		}, nil
	}

	snapshot.Identified = true
	snapshot.StudentID = in.StudentID
	snapshot.StudentName = in.StudentName
	snapshot.Department = in.Department
	snapshot.Gender = in.Gender
	if err := e.repo.SaveSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to save identified snapshot: %w", err)
	}

	count, err := e.repo.CountIdentifiedViolations(in.StudentName)
	if err != nil {
		return nil, fmt.Errorf("failed to count identified violations: %w", err)
	}

	result := &IdentifyResult{Outcome: OutcomeViolation, ViolationCount: count}
	if count >= int64(e.cfg.AdminFlagThreshold) {
		flagged, err := e.repo.MarkStudentSentToAdmin(in.StudentName, false)
		if err != nil {
			return nil, fmt.Errorf("failed to flag violations for admin: %w", err)
		}
		result.SentToAdmin = true
		log.Warnf("%s reached %d identified violations, %d records flagged for administration",
			in.StudentName, count, flagged)
	} else {
		log.Infof("Violation %d recorded for %s", count, in.StudentName)
	}
	return result, nil
}

// ReviewViolation marks a snapshot as reviewed, with optional notes.
func (e *Engine) ReviewViolation(snapshotID uint, notes string) (*models.ViolationSnapshot, error) {
	snapshot, err := e.repo.GetSnapshotByID(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot %d not found", snapshotID)
	}

	snapshot.Reviewed = true
	if notes != "" {
		snapshot.Notes = notes
	}
	if err := e.repo.SaveSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to save reviewed snapshot: %w", err)
	}
	return snapshot, nil
}

// SendToAdmin escalates a student's identified violations to the
// administration. The snapshot must already be identified and the student
// must have reached the admin flag threshold. The operation also marks the
// records reviewed and is idempotent.
func (e *Engine) SendToAdmin(snapshotID uint) (*IdentifyResult, error) {
	snapshot, err := e.repo.GetSnapshotByID(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot %d not found", snapshotID)
	}
	if !snapshot.Identified {
		return nil, fmt.Errorf("snapshot %d is not identified yet", snapshotID)
	}

	count, err := e.repo.CountIdentifiedViolations(snapshot.StudentName)
	if err != nil {
		return nil, fmt.Errorf("failed to count identified violations: %w", err)
	}
	if count < int64(e.cfg.AdminFlagThreshold) {
		return nil, fmt.Errorf("%s has %d identified violations, %d required",
			snapshot.StudentName, count, e.cfg.AdminFlagThreshold)
	}

	if _, err := e.repo.MarkStudentSentToAdmin(snapshot.StudentName, true); err != nil {
		return nil, fmt.Errorf("failed to flag violations for admin: %w", err)
	}

	log.Infof("Violations of %s sent to administration (%d records)", snapshot.StudentName, count)
	return &IdentifyResult{Outcome: OutcomeViolation, ViolationCount: count, SentToAdmin: true}, nil
}

// DeleteSnapshot removes a snapshot record and releases its image blob.
func (e *Engine) DeleteSnapshot(snapshotID uint) error {
	snapshot, err := e.repo.GetSnapshotByID(snapshotID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil
	}
	if err := e.repo.DeleteSnapshot(snapshot.ID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if snapshot.ImageRef != "" {
		if err := e.store.Delete(snapshot.ImageRef); err != nil {
			log.WithError(err).Warnf("Failed to release image of deleted snapshot %d", snapshot.ID)
		}
	}
	return nil
}
