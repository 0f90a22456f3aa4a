package services

import (
	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

type notifier struct {
	name     string
	observer session.Observer
}

// NotifierService fans session events out to the registered sinks
// (SSE, archive, MQTT, metrics). Sinks added with AddAsync run on the
// worker pool.
type NotifierService struct {
	pool      *processor.WorkerPool
	notifiers []notifier
}

// NewNotifierService creates a notifier. pool may be nil, in which case
// async sinks run inline.
func NewNotifierService(pool *processor.WorkerPool) *NotifierService {
	return &NotifierService{pool: pool}
}

// Add registers a sink that is called inline. It must not block.
func (s *NotifierService) Add(name string, o session.Observer) {
	s.notifiers = append(s.notifiers, notifier{name: name, observer: o})
	log.Infof("Notifier %s registered", name)
}

// AddAsync registers a sink that runs on the worker pool
func (s *NotifierService) AddAsync(name string, o session.Observer) {
	if s.pool != nil {
		o = processor.AsyncObserver(s.pool, name, o)
	}
	s.Add(name, o)
}

// Names lists the registered sinks in registration order
func (s *NotifierService) Names() []string {
	names := make([]string, len(s.notifiers))
	for i, n := range s.notifiers {
		names[i] = n.name
	}
	return names
}

// Observe implements session.Observer
func (s *NotifierService) Observe(e session.Event) {
	for _, n := range s.notifiers {
		n.observer.Observe(e)
	}
}
