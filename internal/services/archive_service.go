package services

import (
	"encoding/json"

	"wastesort-go/internal/core/models"
	"wastesort-go/internal/db/repository"
	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ArchiveService appends accepted detections to the archive. It only ever
// writes; session state is never restored from the archive.
type ArchiveService struct {
	repo   repository.Repository
	source string
}

// NewArchiveService creates an archive writer tagging records with source
func NewArchiveService(repo repository.Repository, source string) *ArchiveService {
	if source == "" {
		source = "dashboard"
	}
	log.Info("Initializing detection archive")
	return &ArchiveService{repo: repo, source: source}
}

// Observe implements session.Observer
func (s *ArchiveService) Observe(e session.Event) {
	if e.Type != session.EventDetections || len(e.Accepted) == 0 {
		return
	}
	records := make([]models.DetectionRecord, 0, len(e.Accepted))
	for _, d := range e.Accepted {
		records = append(records, ToRecord(d, e.Mode, s.source))
	}
	if err := s.repo.SaveDetections(records); err != nil {
		log.Errorf("Failed to archive %d detection(s): %v", len(records), err)
		return
	}
	log.Debugf("Archived %d detection(s)", len(records))
}

// ToRecord converts a session detection into its archived form
func ToRecord(d session.Detection, mode session.Mode, source string) models.DetectionRecord {
	rec := models.DetectionRecord{
		DetectionID:  d.ID,
		Name:         d.Name,
		Class:        d.Class,
		Category:     string(d.Category),
		Confidence:   d.ConfidencePercent,
		DustbinColor: d.DustbinColor(),
		Description:  d.Description,
		Mode:         string(mode),
		Source:       source,
		DetectedAt:   d.Timestamp,
	}
	if d.BoundingBox != nil {
		if raw, err := json.Marshal(d.BoundingBox); err == nil {
			box := datatypes.JSON(raw)
			rec.BoundingBox = &box
		}
	}
	return rec
}
