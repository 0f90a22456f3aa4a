package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DetectionRecord is an archived detection accepted by the session
type DetectionRecord struct {
	gorm.Model
	DetectionID  string          `gorm:"uniqueIndex;not null" json:"detection_id"` // Session-scoped UUID
	Name         string          `gorm:"index" json:"name"`
	Class        string          `json:"class"`
	Category     string          `gorm:"index" json:"category"`
	Confidence   int             `json:"confidence"` // Whole percent
	DustbinColor string          `json:"dustbin_color"`
	Description  string          `json:"description"`
	Mode         string          `json:"mode"`
	Source       string          `gorm:"index" json:"source"` // Origin of the record
	DetectedAt   time.Time       `gorm:"index" json:"detected_at"`
	BoundingBox  *datatypes.JSON `gorm:"type:json" json:"bounding_box,omitempty"` // nil when the service sent no box
}

// DetectionFilter narrows an archive search
type DetectionFilter struct {
	Query    string
	Category string
	Limit    int
	Offset   int
}

// CategoryCount is the number of archived detections in one category
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Statistics summarizes the archive for the admin dashboard
type Statistics struct {
	TotalDetections   int64             `json:"total_detections"`
	Distribution      []CategoryCount   `json:"distribution"`
	AverageConfidence float64           `json:"average_confidence"`
	MinConfidence     int               `json:"min_confidence"`
	MaxConfidence     int               `json:"max_confidence"`
	LatestDetection   *time.Time        `json:"latest_detection,omitempty"`
	TodayDetections   int64             `json:"today_detections"`
	RecentDetections  []DetectionRecord `json:"recent_detections"`
}
