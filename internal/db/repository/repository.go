package repository

import (
	"errors"
	"strings"
	"time"

	"wastesort-go/internal/core/models"

	"gorm.io/gorm"
)

// DefaultPageSize is used when a filter carries no limit
const DefaultPageSize = 50

// Repository defines the archive operations
type Repository interface {
	SaveDetections(records []models.DetectionRecord) error
	GetDetectionByID(id uint) (*models.DetectionRecord, error)
	SearchDetections(filter models.DetectionFilter) ([]models.DetectionRecord, int64, error)
	DeleteDetection(id uint) (bool, error)
	DeleteDetectionsBefore(cutoff time.Time) (int64, error)
	GetStatistics(now time.Time) (models.Statistics, error)
}

// SQLiteRepository implements Repository on top of GORM/SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository for db
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveDetections stores a batch of records in one transaction
func (r *SQLiteRepository) SaveDetections(records []models.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	// Stored timestamps compare as text, keep them in one zone
	for i := range records {
		records[i].DetectedAt = records[i].DetectedAt.UTC()
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
}

// GetDetectionByID returns nil, nil when the record does not exist
func (r *SQLiteRepository) GetDetectionByID(id uint) (*models.DetectionRecord, error) {
	var record models.DetectionRecord
	result := r.db.First(&record, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &record, nil
}

// SearchDetections returns matching records newest first and the total match count
func (r *SQLiteRepository) SearchDetections(filter models.DetectionFilter) ([]models.DetectionRecord, int64, error) {
	query := r.db.Model(&models.DetectionRecord{})

	if q := strings.TrimSpace(filter.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(class) LIKE ? OR LOWER(description) LIKE ?", like, like, like)
	}
	if c := strings.TrimSpace(filter.Category); c != "" && c != "all" {
		query = query.Where("category = ?", c)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var records []models.DetectionRecord
	result := query.Order("detected_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&records)
	if result.Error != nil {
		return nil, 0, result.Error
	}
	return records, total, nil
}

// DeleteDetection removes a record and reports whether it existed
func (r *SQLiteRepository) DeleteDetection(id uint) (bool, error) {
	result := r.db.Unscoped().Delete(&models.DetectionRecord{}, id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteDetectionsBefore removes records detected before cutoff
func (r *SQLiteRepository) DeleteDetectionsBefore(cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Unscoped().Where("detected_at < ?", cutoff.UTC()).Delete(&models.DetectionRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	return deleted, err
}

// GetStatistics aggregates the archive. now anchors the "today" counter.
func (r *SQLiteRepository) GetStatistics(now time.Time) (models.Statistics, error) {
	stats := models.Statistics{
		Distribution:     []models.CategoryCount{},
		RecentDetections: []models.DetectionRecord{},
	}

	if err := r.db.Model(&models.DetectionRecord{}).Count(&stats.TotalDetections).Error; err != nil {
		return stats, err
	}
	if stats.TotalDetections == 0 {
		return stats, nil
	}

	if err := r.db.Model(&models.DetectionRecord{}).
		Select("category, COUNT(*) AS count").
		Group("category").
		Order("COUNT(*) DESC").
		Scan(&stats.Distribution).Error; err != nil {
		return stats, err
	}

	var agg struct {
		Avg float64
		Min int
		Max int
	}
	if err := r.db.Model(&models.DetectionRecord{}).
		Select("AVG(confidence) AS avg, MIN(confidence) AS min, MAX(confidence) AS max").
		Scan(&agg).Error; err != nil {
		return stats, err
	}
	stats.AverageConfidence = agg.Avg
	stats.MinConfidence = agg.Min
	stats.MaxConfidence = agg.Max

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if err := r.db.Model(&models.DetectionRecord{}).
		Where("detected_at >= ?", startOfDay.UTC()).
		Count(&stats.TodayDetections).Error; err != nil {
		return stats, err
	}

	if err := r.db.Order("detected_at DESC").Order("id DESC").Limit(5).Find(&stats.RecentDetections).Error; err != nil {
		return stats, err
	}
	if len(stats.RecentDetections) > 0 {
		latest := stats.RecentDetections[0].DetectedAt
		stats.LatestDetection = &latest
	}

	return stats, nil
}
