package repository

import (
	"errors"
	"time"

	"gatewatch/internal/core/models"

	"gorm.io/gorm"
)

// SnapshotFilter narrows violation snapshot listings.
type SnapshotFilter struct {
	CameraID    *uint
	Identified  *bool
	Reviewed    *bool
	SentToAdmin *bool
	StudentName string // substring match
	Department  string
	Limit       int
}

// WarningFilter narrows warning listings.
type WarningFilter struct {
	StudentName   string // substring match
	CameraID      *uint
	IsExpired     *bool
	ViolationType string
	ActiveSince   *time.Time // when set, only non-expired warnings at or after this cutoff
}

// GroupCount is a generic grouped aggregation row.
type GroupCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// OffenderSummary describes a repeat offender for the review center.
type OffenderSummary struct {
	StudentName     string    `json:"student_name"`
	Department      string    `json:"department"`
	Gender          string    `json:"gender"`
	ViolationCount  int64     `json:"violation_count"`
	UnreviewedCount int64     `json:"unreviewed_count"`
	LatestViolation time.Time `json:"latest_violation"`
}

// Repository defines the storage operations used by the pipeline and API.
type Repository interface {
	// Cameras
	GetCameraByID(id uint) (*models.Camera, error)
	GetCameras() ([]models.Camera, error)
	GetStreamingCameras() ([]models.Camera, error)
	SaveCamera(camera *models.Camera) error
	DeleteCamera(id uint) error
	SetCameraStreaming(id uint, streaming bool, by string) error
	CameraIsActive(id uint) (bool, error)

	// Compliance detections
	CreateDetection(det *models.ComplianceDetection) error
	GetDetections(limit, offset int) ([]models.ComplianceDetection, int64, error)
	CountDetections(status string, from, to time.Time) (int64, error)

	// Violation snapshots
	GetSnapshotByID(id uint) (*models.ViolationSnapshot, error)
	GetSnapshots(filter SnapshotFilter) ([]models.ViolationSnapshot, error)
	SaveSnapshot(snapshot *models.ViolationSnapshot) error
	DeleteSnapshot(id uint) error
	CountIdentifiedViolations(studentName string) (int64, error)
	MarkStudentSentToAdmin(studentName string, alsoReviewed bool) (int64, error)
	StudentsWithViolations(minCount int) ([]GroupCount, error)
	RepeatOffenders(minCount int) ([]OffenderSummary, error)
	UnidentifiedSnapshotsBefore(cutoff time.Time) ([]models.ViolationSnapshot, error)
	ViolationCountsBy(column string, since time.Time) ([]GroupCount, error)

	// Warnings
	SaveWarning(warning *models.Warning) error
	GetWarnings(filter WarningFilter) ([]models.Warning, error)
	CountActiveWarnings(studentName string, cutoff time.Time) (int64, error)
	ExpireWarningsBefore(cutoff time.Time) (int64, error)
	StudentsAtRisk(threshold int, cutoff time.Time) ([]GroupCount, error)
}

// SQLiteRepository implements Repository on a GORM connection.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a new repository instance.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// --- Cameras ---

func (r *SQLiteRepository) GetCameraByID(id uint) (*models.Camera, error) {
	var camera models.Camera
	result := r.db.First(&camera, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &camera, nil
}

func (r *SQLiteRepository) GetCameras() ([]models.Camera, error) {
	var cameras []models.Camera
	result := r.db.Order("name").Find(&cameras)
	if result.Error != nil {
		return nil, result.Error
	}
	return cameras, nil
}

func (r *SQLiteRepository) GetStreamingCameras() ([]models.Camera, error) {
	var cameras []models.Camera
	result := r.db.Where("is_streaming = ? AND is_active = ?", true, true).Order("name").Find(&cameras)
	if result.Error != nil {
		return nil, result.Error
	}
	return cameras, nil
}

func (r *SQLiteRepository) SaveCamera(camera *models.Camera) error {
	return r.db.Save(camera).Error
}

// DeleteCamera removes a camera and detaches its persisted records, leaving
// the records themselves intact with a null camera reference.
func (r *SQLiteRepository) DeleteCamera(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ComplianceDetection{}).Where("camera_id = ?", id).Update("camera_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ViolationSnapshot{}).Where("camera_id = ?", id).Update("camera_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Warning{}).Where("camera_id = ?", id).Update("camera_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Camera{}, id).Error
	})
}

func (r *SQLiteRepository) SetCameraStreaming(id uint, streaming bool, by string) error {
	updates := map[string]interface{}{"is_streaming": streaming}
	if streaming {
		now := time.Now()
		updates["last_streamed_at"] = &now
		if by != "" {
			updates["last_streamed_by"] = by
		}
	}
	return r.db.Model(&models.Camera{}).Where("id = ?", id).Updates(updates).Error
}

// CameraIsActive re-reads the active flag from the durable store so that
// external deactivation also ends a running session.
func (r *SQLiteRepository) CameraIsActive(id uint) (bool, error) {
	var camera models.Camera
	result := r.db.Select("is_active").First(&camera, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, result.Error
	}
	return camera.IsActive, nil
}

// --- Compliance detections ---

func (r *SQLiteRepository) CreateDetection(det *models.ComplianceDetection) error {
	return r.db.Create(det).Error
}

func (r *SQLiteRepository) GetDetections(limit, offset int) ([]models.ComplianceDetection, int64, error) {
	var detections []models.ComplianceDetection
	var total int64

	r.db.Model(&models.ComplianceDetection{}).Count(&total)
	result := r.db.Preload("Camera").Order("timestamp DESC").Limit(limit).Offset(offset).Find(&detections)
	if result.Error != nil {
		return nil, 0, result.Error
	}
	return detections, total, nil
}

func (r *SQLiteRepository) CountDetections(status string, from, to time.Time) (int64, error) {
	var count int64
	q := r.db.Model(&models.ComplianceDetection{}).Where("status = ?", status)
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("timestamp < ?", to)
	}
	err := q.Count(&count).Error
	return count, err
}

// --- Violation snapshots ---

func (r *SQLiteRepository) GetSnapshotByID(id uint) (*models.ViolationSnapshot, error) {
	var snapshot models.ViolationSnapshot
	result := r.db.Preload("Camera").First(&snapshot, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &snapshot, nil
}

func (r *SQLiteRepository) GetSnapshots(filter SnapshotFilter) ([]models.ViolationSnapshot, error) {
	q := r.db.Preload("Camera").Order("timestamp DESC")
	if filter.CameraID != nil {
		q = q.Where("camera_id = ?", *filter.CameraID)
	}
	if filter.Identified != nil {
		q = q.Where("identified = ?", *filter.Identified)
	}
	if filter.Reviewed != nil {
		q = q.Where("reviewed = ?", *filter.Reviewed)
	}
	if filter.SentToAdmin != nil {
		q = q.Where("sent_to_admin = ?", *filter.SentToAdmin)
	}
	if filter.StudentName != "" {
		q = q.Where("student_name LIKE ?", "%"+filter.StudentName+"%")
	}
	if filter.Department != "" {
		q = q.Where("department = ?", filter.Department)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var snapshots []models.ViolationSnapshot
	if err := q.Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (r *SQLiteRepository) SaveSnapshot(snapshot *models.ViolationSnapshot) error {
	return r.db.Save(snapshot).Error
}

func (r *SQLiteRepository) DeleteSnapshot(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		// Detach the linked compliance detection first; the detection row
		// itself is append-only and stays.
		if err := tx.Model(&models.ComplianceDetection{}).
			Where("violation_snapshot_id = ?", id).
			Update("violation_snapshot_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ViolationSnapshot{}, id).Error
	})
}

func (r *SQLiteRepository) CountIdentifiedViolations(studentName string) (int64, error) {
	var count int64
	err := r.db.Model(&models.ViolationSnapshot{}).
		Where("student_name = ? AND identified = ?", studentName, true).
		Count(&count).Error
	return count, err
}

// MarkStudentSentToAdmin flags all identified violations of a student in a
// single update so a concurrent identification cannot observe a half-flagged
// set. Returns the number of rows touched.
func (r *SQLiteRepository) MarkStudentSentToAdmin(studentName string, alsoReviewed bool) (int64, error) {
	updates := map[string]interface{}{"sent_to_admin": true}
	if alsoReviewed {
		updates["reviewed"] = true
	}
	result := r.db.Model(&models.ViolationSnapshot{}).
		Where("student_name = ? AND identified = ?", studentName, true).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *SQLiteRepository) StudentsWithViolations(minCount int) ([]GroupCount, error) {
	var rows []GroupCount
	err := r.db.Model(&models.ViolationSnapshot{}).
		Select("student_name AS key, COUNT(*) AS count").
		Where("identified = ? AND student_name <> ''", true).
		Group("student_name").
		Having("COUNT(*) >= ?", minCount).
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

func (r *SQLiteRepository) RepeatOffenders(minCount int) ([]OffenderSummary, error) {
	students, err := r.StudentsWithViolations(minCount)
	if err != nil {
		return nil, err
	}

	summaries := make([]OffenderSummary, 0, len(students))
	for _, s := range students {
		var latest models.ViolationSnapshot
		if err := r.db.Where("student_name = ? AND identified = ?", s.Key, true).
			Order("timestamp DESC").First(&latest).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}

		var unreviewed int64
		if err := r.db.Model(&models.ViolationSnapshot{}).
			Where("student_name = ? AND identified = ? AND reviewed = ?", s.Key, true, false).
			Count(&unreviewed).Error; err != nil {
			return nil, err
		}

		summaries = append(summaries, OffenderSummary{
			StudentName:     s.Key,
			Department:      latest.Department,
			Gender:          latest.Gender,
			ViolationCount:  s.Count,
			UnreviewedCount: unreviewed,
			LatestViolation: latest.Timestamp,
		})
	}
	return summaries, nil
}

func (r *SQLiteRepository) UnidentifiedSnapshotsBefore(cutoff time.Time) ([]models.ViolationSnapshot, error) {
	var snapshots []models.ViolationSnapshot
	err := r.db.Where("identified = ? AND timestamp < ?", false, cutoff).Find(&snapshots).Error
	return snapshots, err
}

// ViolationCountsBy groups identified violations since a cutoff by one of
// the identification columns ("department", "gender") or "camera_id".
func (r *SQLiteRepository) ViolationCountsBy(column string, since time.Time) ([]GroupCount, error) {
	switch column {
	case "department", "gender", "camera_id":
	default:
		return nil, errors.New("unsupported grouping column: " + column)
	}

	var rows []GroupCount
	err := r.db.Model(&models.ViolationSnapshot{}).
		Select(column+" AS key, COUNT(*) AS count").
		Where("identified = ? AND timestamp >= ?", true, since).
		Group(column).
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

// --- Warnings ---

func (r *SQLiteRepository) SaveWarning(warning *models.Warning) error {
	return r.db.Save(warning).Error
}

func (r *SQLiteRepository) GetWarnings(filter WarningFilter) ([]models.Warning, error) {
	q := r.db.Preload("Camera").Order("detected_at DESC")
	if filter.StudentName != "" {
		q = q.Where("student_name LIKE ?", "%"+filter.StudentName+"%")
	}
	if filter.CameraID != nil {
		q = q.Where("camera_id = ?", *filter.CameraID)
	}
	if filter.IsExpired != nil {
		q = q.Where("is_expired = ?", *filter.IsExpired)
	}
	if filter.ViolationType != "" {
		q = q.Where("violation_type = ?", filter.ViolationType)
	}
	if filter.ActiveSince != nil {
		q = q.Where("is_expired = ? AND detected_at >= ?", false, *filter.ActiveSince)
	}

	var warnings []models.Warning
	if err := q.Find(&warnings).Error; err != nil {
		return nil, err
	}
	return warnings, nil
}

// CountActiveWarnings counts warnings that still count toward escalation:
// not flagged expired and detected at or after the rolling cutoff.
func (r *SQLiteRepository) CountActiveWarnings(studentName string, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.Warning{}).
		Where("student_name = ? AND is_expired = ? AND detected_at >= ?", studentName, false, cutoff).
		Count(&count).Error
	return count, err
}

// ExpireWarningsBefore flips the audit flag on warnings that have aged out.
func (r *SQLiteRepository) ExpireWarningsBefore(cutoff time.Time) (int64, error) {
	result := r.db.Model(&models.Warning{}).
		Where("is_expired = ? AND detected_at < ?", false, cutoff).
		Update("is_expired", true)
	return result.RowsAffected, result.Error
}

func (r *SQLiteRepository) StudentsAtRisk(threshold int, cutoff time.Time) ([]GroupCount, error) {
	var rows []GroupCount
	err := r.db.Model(&models.Warning{}).
		Select("student_name AS key, COUNT(*) AS count").
		Where("is_expired = ? AND detected_at >= ?", false, cutoff).
		Group("student_name").
		Having("COUNT(*) >= ?", threshold).
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}
