package cleanup

import (
	"fmt"
	"sync"
	"time"

	"person-detect-go/internal/core/models"
	"person-detect-go/internal/db/repository"

	log "github.com/sirupsen/logrus"
)

// SnapshotRemover deletes the snapshot file belonging to an analysis.
type SnapshotRemover interface {
	RemoveSnapshot(a models.Analysis)
}

// Service deletes analyses and their snapshots once they are older than the
// retention period.
type Service struct {
	repo          repository.Repository
	snapshots     SnapshotRemover
	retentionDays int
	checkInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewService creates a cleanup service. It returns nil when cleanup is
// disabled; all methods are safe to call on a nil Service.
func NewService(repo repository.Repository, snapshots SnapshotRemover, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0)")
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	log.Infof("Initializing cleanup service: retention %d days, check interval %s", retentionDays, checkInterval)
	return &Service{
		repo:          repo,
		snapshots:     snapshots,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per check interval until Stop.
func (s *Service) Start() {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if _, err := s.RunCleanupCycle(time.Now()); err != nil {
			log.Errorf("Initial cleanup failed: %v", err)
		}

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				log.Info("Running scheduled cleanup cycle")
				if _, err := s.RunCleanupCycle(now); err != nil {
					log.Errorf("Scheduled cleanup failed: %v", err)
				}
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine")
				return
			}
		}
	}()
}

// Stop ends the background routine and waits for a running cycle.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// RunCleanupCycle deletes everything recorded before now minus the retention
// period and returns the number of deleted analyses.
func (s *Service) RunCleanupCycle(now time.Time) (int, error) {
	if s == nil {
		return 0, nil
	}

	cutoff := now.AddDate(0, 0, -s.retentionDays)
	log.Infof("Cleanup: deleting analyses older than %s", cutoff.Format(time.RFC3339))

	deleted, err := s.repo.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old analyses: %w", err)
	}

	if s.snapshots != nil {
		for _, a := range deleted {
			s.snapshots.RemoveSnapshot(a)
		}
	}

	log.Infof("Cleanup cycle finished, deleted %d analyses", len(deleted))
	return len(deleted), nil
}
