package escalation

import (
	"fmt"
	"testing"
	"time"

	"gatewatch/config"
	"gatewatch/internal/core/models"
	"gatewatch/internal/db"
	"gatewatch/internal/db/repository"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeStore struct {
	saved   map[string][]byte
	deleted []string
	fail    bool
	seq     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte)}
}

func (s *fakeStore) Save(jpeg []byte) (string, string, error) {
	if s.fail {
		return "", "", fmt.Errorf("disk full")
	}
	s.seq++
	ref := fmt.Sprintf("violations/%d.jpg", s.seq)
	s.saved[ref] = jpeg
	return ref, "/snapshots/" + ref, nil
}

func (s *fakeStore) Delete(ref string) error {
	s.deleted = append(s.deleted, ref)
	delete(s.saved, ref)
	return nil
}

func testConfig() *config.EscalationConfig {
	return &config.EscalationConfig{
		RecordThreshold:    0.5,
		SnapshotThreshold:  0.6,
		Cooldown:           3 * time.Second,
		WarningThreshold:   2,
		WarningExpiryDays:  30,
		AdminFlagThreshold: 3,
	}
}

func newTestEngine(t *testing.T) (*Engine, repository.Repository, *fakeStore) {
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

	repo := repository.NewSQLiteRepository(gdb)
	store := newFakeStore()
	return NewEngine(testConfig(), repo, store), repo, store
}

func record(t *testing.T, e *Engine, status string, confidence float64, frame []byte) *RecordResult {
	t.Helper()
	res, err := e.RecordDetection(DetectionInput{
		CameraID:   1,
		Status:     status,
		Confidence: confidence,
		Box:        models.BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 220},
		Frame:      frame,
	})
	if err != nil {
		t.Fatalf("RecordDetection failed: %v", err)
	}
	return res
}

func TestRecordDetectionBelowThresholdIsDropped(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	res := record(t, e, models.StatusNonCompliant, 0.49, nil)
	if res != nil {
		t.Fatalf("expected nil result below record threshold, got %+v", res)
	}

	_, total, _ := repo.GetDetections(10, 0)
	if total != 0 {
		t.Errorf("expected no persisted detections, got %d", total)
	}
}

func TestRecordDetectionCompliantHasNoSnapshot(t *testing.T) {
	e, _, store := newTestEngine(t)

	res := record(t, e, models.StatusCompliant, 0.95, []byte("jpeg"))
	if res.Detection == nil {
		t.Fatal("expected persisted detection")
	}
	if res.Snapshot != nil {
		t.Error("compliant event must not produce a snapshot")
	}
	if len(store.saved) != 0 {
		t.Error("compliant event must not store an image")
	}
}

func TestRecordDetectionNonCompliantBelowSnapshotThreshold(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := record(t, e, models.StatusNonCompliant, 0.55, []byte("jpeg"))
	if res.Detection == nil {
		t.Fatal("expected persisted detection")
	}
	if res.Snapshot != nil {
		t.Error("expected no snapshot between record and snapshot thresholds")
	}
}

func TestRecordDetectionNonCompliantCreatesSnapshot(t *testing.T) {
	e, repo, store := newTestEngine(t)

	res := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg"))
	if res.Snapshot == nil {
		t.Fatal("expected a violation snapshot")
	}
	if res.Snapshot.ImageURL == "" {
		t.Error("expected snapshot image URL")
	}
	if res.Detection.ViolationSnapshotID == nil || *res.Detection.ViolationSnapshotID != res.Snapshot.ID {
		t.Error("expected detection linked to its snapshot")
	}
	if len(store.saved) != 1 {
		t.Errorf("expected 1 stored image, got %d", len(store.saved))
	}

	got, err := repo.GetSnapshotByID(res.Snapshot.ID)
	if err != nil || got == nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	if got.Identified || got.Reviewed || got.SentToAdmin {
		t.Error("new snapshot must start unidentified, unreviewed and unflagged")
	}
}

func TestRecordDetectionSurvivesImageFailure(t *testing.T) {
	e, repo, store := newTestEngine(t)
	store.fail = true

	res := record(t, e, models.StatusNonCompliant, 0.9, []byte("jpeg"))
	if res.Snapshot == nil {
		t.Fatal("snapshot must be kept when the image write fails")
	}
	if res.Snapshot.ImageURL != "" {
		t.Error("failed image write must leave the snapshot without an image URL")
	}

	got, _ := repo.GetSnapshotByID(res.Snapshot.ID)
	if got == nil {
		t.Fatal("snapshot not persisted after image failure")
	}
}

func identify(t *testing.T, e *Engine, snapshotID uint, name string) *IdentifyResult {
	t.Helper()
	res, err := e.IdentifyViolation(snapshotID, IdentifyInput{
		StudentID:     "S-100",
		StudentName:   name,
		Department:    "Engineering",
		Gender:        "female",
		ViolationType: models.ViolationMissingID,
		IdentifiedBy:  "guard-1",
	})
	if err != nil {
		t.Fatalf("IdentifyViolation failed: %v", err)
	}
	return res
}

func TestIdentifyFirstTwoEventsBecomeWarnings(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	for i := 1; i <= 2; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		res := identify(t, e, snap.ID, "Dana Cruz")

		if res.Outcome != OutcomeWarning {
			t.Fatalf("event %d: expected warning outcome, got %s", i, res.Outcome)
		}
		if res.WarningCount != int64(i) {
			t.Errorf("event %d: expected warning count %d, got %d", i, i, res.WarningCount)
		}
		if got, _ := repo.GetSnapshotByID(snap.ID); got != nil {
			t.Errorf("event %d: snapshot must be consumed by the warning", i)
		}
	}

	warnings, err := repo.GetWarnings(repository.WarningFilter{StudentName: "Dana Cruz"})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(warnings))
	}
	if warnings[0].ViolationType != models.ViolationMissingID {
		t.Errorf("expected violation type carried onto warning, got %s", warnings[0].ViolationType)
	}
}

func TestIdentifyAtThresholdBecomesViolation(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	// Two warnings first.
	for i := 0; i < 2; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		identify(t, e, snap.ID, "Dana Cruz")
	}

	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	res := identify(t, e, snap.ID, "Dana Cruz")

	if res.Outcome != OutcomeViolation {
		t.Fatalf("expected violation outcome at warning threshold, got %s", res.Outcome)
	}
	if res.ViolationCount != 1 {
		t.Errorf("expected 1 identified violation, got %d", res.ViolationCount)
	}
	if res.SentToAdmin {
		t.Error("first violation must not be flagged for admin")
	}

	got, _ := repo.GetSnapshotByID(snap.ID)
	if got == nil || !got.Identified {
		t.Fatal("expected snapshot kept and identified")
	}
	if got.StudentName != "Dana Cruz" || got.Department != "Engineering" {
		t.Error("expected identity fields persisted on the snapshot")
	}
}

func TestThirdViolationFlagsAllRecordsForAdmin(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	// Two warnings, then three identified violations.
	for i := 0; i < 2; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		identify(t, e, snap.ID, "Dana Cruz")
	}

	var last *IdentifyResult
	for i := 0; i < 3; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		last = identify(t, e, snap.ID, "Dana Cruz")
	}

	if !last.SentToAdmin {
		t.Fatal("third identified violation must trigger the admin flag")
	}
	if last.ViolationCount != 3 {
		t.Errorf("expected 3 identified violations, got %d", last.ViolationCount)
	}

	flagged := true
	snaps, _ := repo.GetSnapshots(repository.SnapshotFilter{SentToAdmin: &flagged})
	if len(snaps) != 3 {
		t.Errorf("expected all 3 violations flagged retroactively, got %d", len(snaps))
	}
	for _, s := range snaps {
		if s.Reviewed {
			t.Error("automatic admin flag must not mark records reviewed")
		}
	}
}

func TestExpiredWarningsDoNotCountTowardEscalation(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	// Two warnings issued long ago.
	base := time.Now()
	e.now = func() time.Time { return base.AddDate(0, 0, -40) }
	for i := 0; i < 2; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		identify(t, e, snap.ID, "Dana Cruz")
	}

	// Back to the present: the old warnings are outside the rolling window,
	// so the next event is a warning again.
	e.now = func() time.Time { return base }
	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	res := identify(t, e, snap.ID, "Dana Cruz")

	if res.Outcome != OutcomeWarning {
		t.Fatalf("expected stale warnings to be ignored, got outcome %s", res.Outcome)
	}

	warnings, _ := repo.GetWarnings(repository.WarningFilter{StudentName: "Dana Cruz"})
	if len(warnings) != 3 {
		t.Errorf("expected 3 warning rows kept for audit, got %d", len(warnings))
	}
}

func TestIdentifyRejectsAlreadyIdentified(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for i := 0; i < 2; i++ {
		snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		identify(t, e, snap.ID, "Dana Cruz")
	}
	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	identify(t, e, snap.ID, "Dana Cruz")

	if _, err := e.IdentifyViolation(snap.ID, IdentifyInput{StudentName: "Dana Cruz"}); err == nil {
		t.Error("expected error identifying an already identified snapshot")
	}
}

func TestReviewViolation(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	got, err := e.ReviewViolation(snap.ID, "talked to the student")
	if err != nil {
		t.Fatalf("ReviewViolation failed: %v", err)
	}
	if !got.Reviewed || got.Notes != "talked to the student" {
		t.Error("expected reviewed flag and notes persisted")
	}

	stored, _ := repo.GetSnapshotByID(snap.ID)
	if !stored.Reviewed {
		t.Error("reviewed flag not persisted")
	}
}

func TestSendToAdminRequiresIdentificationAndThreshold(t *testing.T) {
	e, repo, _ := newTestEngine(t)

	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	if _, err := e.SendToAdmin(snap.ID); err == nil {
		t.Error("expected error sending an unidentified snapshot to admin")
	}

	// Promote to identified violations, but only two of them.
	for i := 0; i < 2; i++ {
		s := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
		identify(t, e, s.ID, "Dana Cruz")
	}
	identify(t, e, snap.ID, "Dana Cruz")
	second := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	identify(t, e, second.ID, "Dana Cruz")

	if _, err := e.SendToAdmin(snap.ID); err == nil {
		t.Error("expected error below the admin flag threshold")
	}

	third := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	identify(t, e, third.ID, "Dana Cruz")

	res, err := e.SendToAdmin(snap.ID)
	if err != nil {
		t.Fatalf("SendToAdmin failed: %v", err)
	}
	if !res.SentToAdmin {
		t.Error("expected sent to admin")
	}

	flagged := true
	snaps, _ := repo.GetSnapshots(repository.SnapshotFilter{SentToAdmin: &flagged})
	if len(snaps) != 3 {
		t.Fatalf("expected 3 flagged records, got %d", len(snaps))
	}
	for _, s := range snaps {
		if !s.Reviewed {
			t.Error("explicit send to admin must also mark records reviewed")
		}
	}

	// Idempotent.
	if _, err := e.SendToAdmin(snap.ID); err != nil {
		t.Errorf("repeated SendToAdmin must succeed, got %v", err)
	}
}

func TestDeleteSnapshotReleasesImage(t *testing.T) {
	e, repo, store := newTestEngine(t)

	snap := record(t, e, models.StatusNonCompliant, 0.8, []byte("jpeg")).Snapshot
	if err := e.DeleteSnapshot(snap.ID); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}

	if got, _ := repo.GetSnapshotByID(snap.ID); got != nil {
		t.Error("snapshot row must be gone")
	}
	if len(store.deleted) != 1 {
		t.Errorf("expected 1 released image, got %d", len(store.deleted))
	}

	// Deleting again is a no-op.
	if err := e.DeleteSnapshot(snap.ID); err != nil {
		t.Errorf("repeated delete must be a no-op, got %v", err)
	}
}
