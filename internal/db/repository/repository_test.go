package repository

import (
	"testing"
	"time"

	"gatewatch/internal/core/models"
	"gatewatch/internal/db"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteRepository(gdb)
}

func TestGetCameraByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)

	camera, err := repo.GetCameraByID(42)
	if err != nil {
		t.Fatalf("missing camera must not be an error, got %v", err)
	}
	if camera != nil {
		t.Errorf("expected nil for missing camera, got %+v", camera)
	}
}

func TestDeleteCameraDetachesRecords(t *testing.T) {
	repo := newTestRepo(t)

	camera := models.Camera{Name: "gate-1", StreamURL: "rtsp://example"}
	if err := repo.SaveCamera(&camera); err != nil {
		t.Fatal(err)
	}

	snapshot := models.ViolationSnapshot{CameraID: &camera.ID, Timestamp: time.Now()}
	if err := repo.SaveSnapshot(&snapshot); err != nil {
		t.Fatal(err)
	}
	detection := models.ComplianceDetection{CameraID: &camera.ID, Status: models.StatusNonCompliant, Timestamp: time.Now()}
	if err := repo.CreateDetection(&detection); err != nil {
		t.Fatal(err)
	}
	warning := models.Warning{StudentName: "Dana Cruz", CameraID: &camera.ID, DetectedAt: time.Now()}
	if err := repo.SaveWarning(&warning); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteCamera(camera.ID); err != nil {
		t.Fatalf("DeleteCamera failed: %v", err)
	}

	if got, _ := repo.GetCameraByID(camera.ID); got != nil {
		t.Error("camera must be gone")
	}

	keptSnapshot, _ := repo.GetSnapshotByID(snapshot.ID)
	if keptSnapshot == nil {
		t.Fatal("snapshot must survive camera deletion")
	}
	if keptSnapshot.CameraID != nil {
		t.Error("snapshot camera reference must be nulled")
	}

	warnings, _ := repo.GetWarnings(WarningFilter{StudentName: "Dana Cruz"})
	if len(warnings) != 1 || warnings[0].CameraID != nil {
		t.Error("warning must survive with a nulled camera reference")
	}
}

func TestDeleteSnapshotDetachesDetection(t *testing.T) {
	repo := newTestRepo(t)

	snapshot := models.ViolationSnapshot{Timestamp: time.Now()}
	if err := repo.SaveSnapshot(&snapshot); err != nil {
		t.Fatal(err)
	}
	detection := models.ComplianceDetection{
		Status: models.StatusNonCompliant, Timestamp: time.Now(), ViolationSnapshotID: &snapshot.ID,
	}
	if err := repo.CreateDetection(&detection); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteSnapshot(snapshot.ID); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}

	detections, _, _ := repo.GetDetections(10, 0)
	if len(detections) != 1 {
		t.Fatal("detection row must survive snapshot deletion")
	}
	if detections[0].ViolationSnapshotID != nil {
		t.Error("detection snapshot link must be nulled")
	}
}

func TestMarkStudentSentToAdminOnlyTouchesIdentified(t *testing.T) {
	repo := newTestRepo(t)

	identified := models.ViolationSnapshot{
		Timestamp: time.Now(), Identified: true, StudentName: "Dana Cruz",
	}
	unidentified := models.ViolationSnapshot{Timestamp: time.Now(), StudentName: "Dana Cruz"}
	other := models.ViolationSnapshot{Timestamp: time.Now(), Identified: true, StudentName: "Riley Okafor"}
	for _, s := range []*models.ViolationSnapshot{&identified, &unidentified, &other} {
		if err := repo.SaveSnapshot(s); err != nil {
			t.Fatal(err)
		}
	}

	touched, err := repo.MarkStudentSentToAdmin("Dana Cruz", true)
	if err != nil {
		t.Fatalf("MarkStudentSentToAdmin failed: %v", err)
	}
	if touched != 1 {
		t.Errorf("expected exactly the identified record flagged, got %d", touched)
	}

	got, _ := repo.GetSnapshotByID(identified.ID)
	if !got.SentToAdmin || !got.Reviewed {
		t.Error("identified record must be flagged and reviewed")
	}
	got, _ = repo.GetSnapshotByID(unidentified.ID)
	if got.SentToAdmin {
		t.Error("unidentified record must stay unflagged")
	}
	got, _ = repo.GetSnapshotByID(other.ID)
	if got.SentToAdmin {
		t.Error("other students must stay unflagged")
	}
}

func TestCountActiveWarningsHonorsWindowAndFlag(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	recent := models.Warning{StudentName: "Dana Cruz", DetectedAt: now.AddDate(0, 0, -5)}
	stale := models.Warning{StudentName: "Dana Cruz", DetectedAt: now.AddDate(0, 0, -40)}
	flagged := models.Warning{StudentName: "Dana Cruz", DetectedAt: now.AddDate(0, 0, -3), IsExpired: true}
	for _, w := range []*models.Warning{&recent, &stale, &flagged} {
		if err := repo.SaveWarning(w); err != nil {
			t.Fatal(err)
		}
	}

	count, err := repo.CountActiveWarnings("Dana Cruz", now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 active warning (stale and flagged excluded), got %d", count)
	}
}

func TestStudentsAtRisk(t *testing.T) {
	repo := newTestRepo(t)

	now := time.Now()
	for i := 0; i < 2; i++ {
		if err := repo.SaveWarning(&models.Warning{StudentName: "Dana Cruz", DetectedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.SaveWarning(&models.Warning{StudentName: "Riley Okafor", DetectedAt: now}); err != nil {
		t.Fatal(err)
	}

	rows, err := repo.StudentsAtRisk(2, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Key != "Dana Cruz" || rows[0].Count != 2 {
		t.Errorf("unexpected at-risk rows: %+v", rows)
	}
}

func TestViolationCountsByRejectsUnknownColumn(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.ViolationCountsBy("notes; DROP TABLE", time.Time{}); err == nil {
		t.Error("expected error for unsupported grouping column")
	}
}

func TestCameraIsActiveMissingCamera(t *testing.T) {
	repo := newTestRepo(t)

	active, err := repo.CameraIsActive(99)
	if err != nil {
		t.Fatalf("missing camera must not be an error, got %v", err)
	}
	if active {
		t.Error("missing camera must report inactive")
	}
}
