package cleanup

import (
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

type recordingStore struct {
	deleted []string
}

func (s *recordingStore) Save(jpeg []byte) (string, string, error) { return "", "", nil }
func (s *recordingStore) Delete(ref string) error {
	s.deleted = append(s.deleted, ref)
	return nil
}

func newTestService(t *testing.T) (*Service, repository.Repository, *recordingStore) {
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
	store := &recordingStore{}
	svc := NewService(
		&config.CleanupConfig{Interval: time.Hour, RetentionDays: 30},
		&config.EscalationConfig{WarningExpiryDays: 30},
		repo, store,
	)
	return svc, repo, store
}

func TestExpireWarningsFlagsOnlyAgedOnes(t *testing.T) {
	svc, repo, _ := newTestService(t)

	old := models.Warning{StudentName: "Dana Cruz", DetectedAt: time.Now().AddDate(0, 0, -40)}
	fresh := models.Warning{StudentName: "Dana Cruz", DetectedAt: time.Now().AddDate(0, 0, -5)}
	if err := repo.SaveWarning(&old); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveWarning(&fresh); err != nil {
		t.Fatal(err)
	}

	svc.runOnce()

	expired := true
	aged, _ := repo.GetWarnings(repository.WarningFilter{IsExpired: &expired})
	if len(aged) != 1 || aged[0].ID != old.ID {
		t.Errorf("expected only the aged warning flagged, got %d", len(aged))
	}

	notExpired := false
	live, _ := repo.GetWarnings(repository.WarningFilter{IsExpired: &notExpired})
	if len(live) != 1 || live[0].ID != fresh.ID {
		t.Errorf("expected the fresh warning untouched, got %d", len(live))
	}
}

func TestPurgeRemovesOnlyStaleUnidentifiedSnapshots(t *testing.T) {
	svc, repo, store := newTestService(t)

	stale := models.ViolationSnapshot{Timestamp: time.Now().AddDate(0, 0, -45), ImageRef: "violations/stale.jpg"}
	identified := models.ViolationSnapshot{
		Timestamp: time.Now().AddDate(0, 0, -45), Identified: true, StudentName: "Dana Cruz",
	}
	recent := models.ViolationSnapshot{Timestamp: time.Now().AddDate(0, 0, -2)}
	for _, s := range []*models.ViolationSnapshot{&stale, &identified, &recent} {
		if err := repo.SaveSnapshot(s); err != nil {
			t.Fatal(err)
		}
	}

	svc.runOnce()

	if got, _ := repo.GetSnapshotByID(stale.ID); got != nil {
		t.Error("stale unidentified snapshot must be purged")
	}
	if got, _ := repo.GetSnapshotByID(identified.ID); got == nil {
		t.Error("identified snapshot must survive retention")
	}
	if got, _ := repo.GetSnapshotByID(recent.ID); got == nil {
		t.Error("recent snapshot must survive retention")
	}

	if len(store.deleted) != 1 || store.deleted[0] != "violations/stale.jpg" {
		t.Errorf("expected the stale image released, got %v", store.deleted)
	}
}

func TestStartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.Start()
	svc.Stop()
}
