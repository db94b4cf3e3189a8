package cleanup

import (
	"sync"
	"time"

	"gatewatch/config"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/escalation"

	log "github.com/sirupsen/logrus"
)

// Service runs periodic maintenance: flagging aged-out warnings for audit
// and purging unidentified violation snapshots past retention, together
// with their stored images.
type Service struct {
	cfg        *config.CleanupConfig
	escalation *config.EscalationConfig
	repo       repository.Repository
	store      escalation.ImageStore

	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
	now    func() time.Time
}

// NewService creates the cleanup service.
func NewService(cfg *config.CleanupConfig, esc *config.EscalationConfig,
	repo repository.Repository, store escalation.ImageStore) *Service {
	return &Service{
		cfg:        cfg,
		escalation: esc,
		repo:       repo,
		store:      store,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the maintenance loop. One pass runs immediately so a
// restart does not postpone overdue cleanup by a full interval.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Infof("Cleanup service started (interval %s, retention %d days)",
			s.cfg.Interval, s.cfg.RetentionDays)

		s.runOnce()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.runOnce()
			}
		}
	}()
}

// Stop ends the loop and waits for a running pass to finish.
func (s *Service) Stop() {
	s.closed.Do(func() { close(s.done) })
	s.wg.Wait()
	log.Info("Cleanup service stopped")
}

// runOnce performs one maintenance pass.
func (s *Service) runOnce() {
	s.expireWarnings()
	s.purgeSnapshots()
}

// expireWarnings flips the audit flag on warnings older than the rolling
// escalation window. Escalation itself never consults the flag, it
// filters by detected_at, so a missed pass cannot cause a wrong outcome.
func (s *Service) expireWarnings() {
	cutoff := s.now().AddDate(0, 0, -s.escalation.WarningExpiryDays)
	expired, err := s.repo.ExpireWarningsBefore(cutoff)
	if err != nil {
		log.WithError(err).Error("Failed to expire aged warnings")
		return
	}
	if expired > 0 {
		log.Infof("Marked %d warnings expired (older than %s)", expired, cutoff.Format(time.RFC3339))
	}
}

// purgeSnapshots deletes unidentified snapshots past retention and
// releases their image blobs.
func (s *Service) purgeSnapshots() {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	snapshots, err := s.repo.UnidentifiedSnapshotsBefore(cutoff)
	if err != nil {
		log.WithError(err).Error("Failed to list stale unidentified snapshots")
		return
	}

	purged := 0
	for _, snapshot := range snapshots {
		if err := s.repo.DeleteSnapshot(snapshot.ID); err != nil {
			log.WithError(err).Errorf("Failed to purge snapshot %d", snapshot.ID)
			continue
		}
		if snapshot.ImageRef != "" {
			if err := s.store.Delete(snapshot.ImageRef); err != nil {
				log.WithError(err).Warnf("Failed to release image of purged snapshot %d", snapshot.ID)
			}
		}
		purged++
	}
	if purged > 0 {
		log.Infof("Purged %d unidentified snapshots older than %d days", purged, s.cfg.RetentionDays)
	}
}
