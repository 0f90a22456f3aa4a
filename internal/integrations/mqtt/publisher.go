package mqtt

import (
	"maps"
	"sync"
	"time"

	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

// DetectionMessage is published for every accepted detection
type DetectionMessage struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Confidence   int       `json:"confidence"`
	DustbinColor string    `json:"dustbin_color"`
	Description  string    `json:"description"`
	Mode         string    `json:"mode"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusMessage is published (retained) when the backend status changes
type StatusMessage struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsMessage is published (retained) after every change of the counters
type StatsMessage struct {
	TotalDetections   int            `json:"total_detections"`
	AverageConfidence int            `json:"average_confidence"`
	Distribution      map[string]int `json:"distribution"`
}

// SessionPublisher mirrors session events onto MQTT topics. The retained
// status and stats topics always follow the newest snapshot seen, also when
// events are observed out of order.
type SessionPublisher struct {
	publisher Publisher
	prefix    string
	now       func() time.Time

	mu         sync.Mutex
	lastStatus session.Status
	lastStats  *StatsMessage
	lastSnap   *session.Snapshot
}

// NewSessionPublisher creates a publisher writing below prefix
func NewSessionPublisher(p Publisher, prefix string) *SessionPublisher {
	return &SessionPublisher{
		publisher: p,
		prefix:    prefix,
		now:       time.Now,
	}
}

// Observe implements session.Observer
func (s *SessionPublisher) Observe(e session.Event) {
	if e.Type == session.EventDetections {
		for _, d := range e.Accepted {
			msg := DetectionMessage{
				ID:           d.ID,
				Name:         d.Name,
				Category:     string(d.Category),
				Confidence:   d.ConfidencePercent,
				DustbinColor: d.DustbinColor(),
				Description:  d.Description,
				Mode:         string(e.Mode),
				Timestamp:    d.Timestamp,
			}
			if err := s.publisher.PublishMessage(Topic(s.prefix, "detections"), msg, false); err != nil {
				log.Warnf("Failed to publish detection %s: %v", d.ID, err)
			}
		}
	}

	// Held across the publish so an older snapshot cannot overwrite a newer one
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSnap != nil && e.Snapshot.Before(*s.lastSnap) {
		log.Debugf("Skipping outdated session snapshot %d (have %d)", e.Snapshot.Seq, s.lastSnap.Seq)
		return
	}
	snap := e.Snapshot
	s.lastSnap = &snap

	if snap.Status != s.lastStatus {
		s.lastStatus = snap.Status
		s.publishStatus(snap)
	}
	stats := statsMessage(snap)
	if s.lastStats == nil || !s.lastStats.equal(stats) {
		s.lastStats = &stats
		s.publishStats(stats)
	}
}

// Republish sends the retained state again, used after a reconnect
func (s *SessionPublisher) Republish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSnap == nil {
		return
	}
	s.publishStatus(*s.lastSnap)
	s.publishStats(statsMessage(*s.lastSnap))
}

func (s *SessionPublisher) publishStatus(snap session.Snapshot) {
	msg := StatusMessage{
		Status:    string(snap.Status),
		Message:   snap.LastError,
		Timestamp: s.now(),
	}
	if err := s.publisher.PublishMessage(Topic(s.prefix, "status"), msg, true); err != nil {
		log.Warnf("Failed to publish backend status: %v", err)
	}
}

func (s *SessionPublisher) publishStats(msg StatsMessage) {
	if err := s.publisher.PublishMessage(Topic(s.prefix, "stats"), msg, true); err != nil {
		log.Warnf("Failed to publish stats: %v", err)
	}
}

func statsMessage(snap session.Snapshot) StatsMessage {
	dist := make(map[string]int, len(snap.Distribution))
	for cat, n := range snap.Distribution {
		dist[string(cat)] = n
	}
	return StatsMessage{
		TotalDetections:   snap.TotalDetections,
		AverageConfidence: snap.AverageConfidence,
		Distribution:      dist,
	}
}

func (m StatsMessage) equal(o StatsMessage) bool {
	return m.TotalDetections == o.TotalDetections &&
		m.AverageConfidence == o.AverageConfidence &&
		maps.Equal(m.Distribution, o.Distribution)
}
