package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the connectivity state of the detection service as last observed
// by a health check.
type Status string

const (
	StatusChecking     Status = "checking"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Mode controls how many detections of one response are accepted.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// ParseMode returns the mode for s. An empty string selects def.
func ParseMode(s string, def Mode) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case string(ModeSingle):
		return ModeSingle, nil
	case string(ModeMulti):
		return ModeMulti, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Category is the closed set of waste categories.
type Category string

const (
	CategoryBiodegradable Category = "biodegradable"
	CategoryRecyclable    Category = "recyclable"
	CategoryHazardous     Category = "hazardous"
	CategoryNonRecyclable Category = "non_recyclable"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryBiodegradable,
	CategoryRecyclable,
	CategoryHazardous,
	CategoryNonRecyclable,
}

// ParseCategory maps a service-provided category onto the closed set.
// Unknown and empty values fall back to CategoryNonRecyclable.
func ParseCategory(s string) Category {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch Category(norm) {
	case CategoryBiodegradable, CategoryRecyclable, CategoryHazardous, CategoryNonRecyclable:
		return Category(norm)
	}
	return CategoryNonRecyclable
}

// DustbinColor returns the bin a category is disposed in.
func (c Category) DustbinColor() string {
	switch c {
	case CategoryBiodegradable:
		return "Green"
	case CategoryRecyclable:
		return "Blue"
	case CategoryHazardous:
		return "Red"
	default:
		return "Black"
	}
}

// BoundingBox is the region of the image an object was found in.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedObject is a single raw entry of a detection response.
type DetectedObject struct {
	Class       string
	Confidence  float64
	Name        string
	Category    string
	Description string
	BoundingBox *BoundingBox
}

// Detection is a normalized detection as kept in session state.
type Detection struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Class             string       `json:"class,omitempty"`
	Category          Category     `json:"category"`
	ConfidencePercent int          `json:"confidence"`
	Description       string       `json:"description"`
	Timestamp         time.Time    `json:"timestamp"`
	BoundingBox       *BoundingBox `json:"boundingBox,omitempty"`
}

// DustbinColor is derived from the category and never stored.
func (d Detection) DustbinColor() string {
	return d.Category.DustbinColor()
}

// MarshalJSON adds the derived dustbin color to the encoded detection.
func (d Detection) MarshalJSON() ([]byte, error) {
	type plain Detection
	return json.Marshal(struct {
		plain
		DustbinColor string `json:"dustbinColor"`
	}{plain(d), d.DustbinColor()})
}

// HealthReport is the decoded answer of the health endpoint.
type HealthReport struct {
	Status      string
	ModelLoaded *bool
	Message     string
}

// Healthy reports whether the service declared itself ready to detect.
func (h *HealthReport) Healthy() bool {
	if h == nil {
		return false
	}
	switch strings.ToLower(h.Status) {
	case "healthy", "ok", "ready":
	default:
		return false
	}
	return h.ModelLoaded == nil || *h.ModelLoaded
}

// DetectResponse is the decoded answer of the detect endpoint.
type DetectResponse struct {
	Success    bool
	Detections []DetectedObject
	Error      string
}

// Detector talks to the remote detection service. A returned error always
// means the service could not be reached or its answer not read; failures
// the service reports itself are carried in the response.
type Detector interface {
	Health(ctx context.Context) (*HealthReport, error)
	Detect(ctx context.Context, image []byte) (*DetectResponse, error)
}
