package session

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const unknownName = "Unknown object"

// NormalizeConfidence converts a raw confidence into a whole percentage.
// Values up to 1 are read as fractions, larger values as percentages.
func NormalizeConfidence(raw float64) int {
	if math.IsNaN(raw) || raw <= 0 {
		return 0
	}
	if raw <= 1 {
		raw *= 100
	}
	pct := int(math.Round(raw))
	if pct > 100 {
		return 100
	}
	return pct
}

// DisplayName returns the service name or a readable form of the class label.
func DisplayName(name, class string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	label := strings.TrimSpace(strings.ReplaceAll(class, "_", " "))
	if label == "" {
		return unknownName
	}
	return cases.Title(language.English).String(label)
}

// Normalize turns a raw detection into the shape kept in session state.
func Normalize(raw DetectedObject, id string, ts time.Time) Detection {
	name := DisplayName(raw.Name, raw.Class)
	pct := NormalizeConfidence(raw.Confidence)

	desc := strings.TrimSpace(raw.Description)
	if desc == "" {
		desc = fmt.Sprintf("%s detected with %d%% confidence.", name, pct)
	}

	var box *BoundingBox
	if raw.BoundingBox != nil {
		b := *raw.BoundingBox
		box = &b
	}

	return Detection{
		ID:                id,
		Name:              name,
		Class:             raw.Class,
		Category:          ParseCategory(raw.Category),
		ConfidencePercent: pct,
		Description:       desc,
		Timestamp:         ts,
		BoundingBox:       box,
	}
}
