package cleanup

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Store löscht archivierte Erkennungen vor einem Stichtag
type Store interface {
	DeleteDetectionsBefore(cutoff time.Time) (int64, error)
}

// Service kümmert sich um die automatische Bereinigung alter Archiveinträge.
type Service struct {
	store         Store
	retentionDays int
	checkInterval time.Duration
	now           func() time.Time
	stopChan      chan struct{}
	done          chan struct{}
}

// NewService erstellt einen neuen Cleanup-Service. Liefert nil, wenn die
// Bereinigung deaktiviert ist (retention_days <= 0) oder kein Store vorhanden
// ist. Alle Methoden funktionieren auch auf einem nil *Service.
func NewService(store Store, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil
	}
	if store == nil {
		log.Error("Cannot initialize cleanup service: archive is not available")
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		store:         store,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		now:           time.Now,
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// StartBackgroundCleanup führt sofort einen Durchlauf aus und danach einen pro Intervall.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine...")

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()

		s.RunCleanupCycle()
		for {
			select {
			case <-ticker.C:
				log.Info("Running scheduled cleanup cycle...")
				s.RunCleanupCycle()
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup signalisiert der Hintergrundroutine das Ende und wartet auf sie.
func (s *Service) StopBackgroundCleanup() {
	if s == nil {
		return
	}
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
	<-s.done
}

// RunCleanupCycle löscht Archiveinträge, die älter als die Aufbewahrungsfrist
// sind, und liefert die Anzahl der gelöschten Einträge.
func (s *Service) RunCleanupCycle() int64 {
	if s == nil {
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	log.Infof("Cleanup: Deleting detections older than %s", cutoff.Format(time.RFC3339))

	deleted, err := s.store.DeleteDetectionsBefore(cutoff)
	if err != nil {
		log.Errorf("Cleanup: Failed to delete old detections: %v", err)
		return 0
	}
	if deleted == 0 {
		log.Info("Cleanup: No old detections found to delete.")
	} else {
		log.Infof("Cleanup cycle finished. Deleted %d detection(s)", deleted)
	}
	return deleted
}
