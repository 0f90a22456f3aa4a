package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultHistoryCapacity is used when Options.HistoryCapacity is not positive.
const DefaultHistoryCapacity = 10

const (
	msgUnreachable     = "Cannot connect to the detection service. Make sure it is running and reachable, then refresh."
	msgDegraded        = "The detection service reported an unhealthy state."
	msgModelNotLoaded  = "Detection model is not loaded."
	msgNotConnected    = "The detection service is not connected. Please try again."
	msgEmptyImage      = "No image captured. Capture or upload an image first."
	msgInvalidMode     = "Unknown detection mode. Use single or multi."
	msgBusy            = "A detection is already in progress. Please wait for it to finish."
	msgDiscarded       = "The detection result was discarded because the history was cleared."
	msgDetectTimeout   = "The detection request timed out."
	msgDetectTransport = "Could not reach the detection service."
	msgDetectionFailed = "Detection failed."
)

var logFields = log.Fields{
	"component": "session",
}

// Options configures a Controller.
type Options struct {
	HistoryCapacity int
	HealthTimeout   time.Duration
	DetectTimeout   time.Duration

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// EventType identifies a state change.
type EventType string

const (
	EventStatus     EventType = "status"
	EventDetections EventType = "detections"
	EventCleared    EventType = "cleared"
	EventRetake     EventType = "retake"
	EventRejected   EventType = "rejected"
)

// Event is delivered to observers after the state change it describes.
type Event struct {
	Type     EventType
	Previous Status // for EventStatus
	Accepted []Detection
	Mode     Mode
	Err      error
	Latency  time.Duration
	Snapshot Snapshot
}

// Observer receives controller events. Observe runs on the caller's goroutine
// after the controller lock is released and must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Snapshot is a copy of the session state. Seq increases with every event,
// so sinks that process events concurrently can drop older snapshots.
type Snapshot struct {
	Seq               uint64           `json:"seq"`
	Status            Status           `json:"backendStatus"`
	LastError         string           `json:"lastError"`
	Busy              bool             `json:"busy"`
	Current           []Detection      `json:"currentResults"`
	History           []Detection      `json:"history"`
	TotalDetections   int              `json:"totalDetectionCount"`
	AverageConfidence int              `json:"averageConfidence"`
	Distribution      map[Category]int `json:"categoryDistribution"`
}

// Controller owns the detection session: backend status, current results,
// bounded history and counters. All mutation goes through its methods.
type Controller struct {
	detector Detector
	opts     Options

	mu         sync.Mutex
	status     Status
	current    []Detection
	history    []Detection
	total      int
	categories map[Category]int
	lastError  string
	inFlight   bool
	epoch      uint64
	seq        uint64

	obsMu     sync.RWMutex
	observers []Observer
}

// NewController creates a controller in the checking state.
func NewController(detector Detector, opts Options) *Controller {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Controller{
		detector:   detector,
		opts:       opts,
		status:     StatusChecking,
		categories: make(map[Category]int),
	}
}

// Subscribe registers an observer for all future events.
func (c *Controller) Subscribe(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

func (c *Controller) notify(e Event) {
	c.obsMu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.Observe(e)
	}
}

// CheckHealth queries the detection service and updates the backend status.
// It never fails: every outcome resolves into a status and message.
func (c *Controller) CheckHealth(ctx context.Context) (Status, string) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HealthTimeout)
	defer cancel()

	report, err := c.detector.Health(hctx)

	var status Status
	var msg string
	switch {
	case err != nil:
		log.WithFields(logFields).Warnf("Health check failed: %v", err)
		status, msg = StatusDisconnected, msgUnreachable
	case report.Healthy():
		status = StatusConnected
	default:
		status, msg = StatusDegraded, degradedMessage(report)
		log.WithFields(logFields).Warnf("Detection service unhealthy: %s", msg)
	}

	c.mu.Lock()
	prev := c.status
	c.status = status
	c.lastError = msg
	snap := c.eventSnapshotLocked()
	c.mu.Unlock()

	if prev != status {
		log.WithFields(logFields).Infof("Backend status changed: %s -> %s", prev, status)
	}
	c.notify(Event{Type: EventStatus, Previous: prev, Snapshot: snap})
	return status, msg
}

func degradedMessage(r *HealthReport) string {
	if r == nil {
		return msgDegraded
	}
	if r.Message != "" {
		return r.Message
	}
	if r.ModelLoaded != nil && !*r.ModelLoaded {
		return msgModelNotLoaded
	}
	return msgDegraded
}

// SubmitImage sends an encoded image to the detection service and applies
// the result. Only one submission may be in flight at a time. While the
// backend is not connected the image is not sent: the health status is
// refreshed and the call fails with a KindConnectivity error.
func (c *Controller) SubmitImage(ctx context.Context, image []byte, mode Mode) ([]Detection, error) {
	if len(image) == 0 {
		return nil, c.reject(newError(KindValidation, msgEmptyImage, nil), mode)
	}
	if mode != ModeSingle && mode != ModeMulti {
		return nil, c.reject(newError(KindValidation, msgInvalidMode, nil), mode)
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, c.reject(newError(KindStateConflict, msgBusy, nil), mode)
	}
	if c.status != StatusConnected {
		status := c.status
		c.mu.Unlock()

		log.WithFields(logFields).Debugf("Submission while backend is %s, refreshing health", status)
		_, healthMsg := c.CheckHealth(ctx)
		msg := healthMsg
		if msg == "" {
			msg = msgNotConnected
		}
		return nil, c.reject(newError(KindConnectivity, msg, nil), mode)
	}
	c.inFlight = true
	c.lastError = ""
	epoch := c.epoch
	ts := c.opts.Now()
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.DetectTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.detector.Detect(dctx, image)
	latency := time.Since(start)

	c.mu.Lock()
	c.inFlight = false

	var failure *Error
	switch {
	case c.epoch != epoch:
		failure = newError(KindStateConflict, msgDiscarded, nil)
	case err != nil:
		msg := msgDetectTransport
		if errors.Is(err, context.DeadlineExceeded) {
			msg = msgDetectTimeout
		}
		failure = newError(KindConnectivity, msg, err)
	case resp == nil || !resp.Success:
		msg := msgDetectionFailed
		if resp != nil && resp.Error != "" {
			msg = resp.Error
		}
		failure = newError(KindService, msg, nil)
	}
	if failure != nil {
		c.lastError = failure.Message
		snap := c.eventSnapshotLocked()
		c.mu.Unlock()

		log.WithFields(logFields).Warnf("Detection rejected (%s): %v", failure.Kind, failure)
		c.notify(Event{Type: EventRejected, Mode: mode, Err: failure, Latency: latency, Snapshot: snap})
		return nil, failure
	}

	raw := resp.Detections
	if mode == ModeSingle && len(raw) > 1 {
		raw = raw[:1]
	}
	accepted := make([]Detection, 0, len(raw))
	for _, obj := range raw {
		accepted = append(accepted, Normalize(obj, c.opts.NewID(), ts))
	}

	c.current = accepted
	c.history = prepend(c.history, accepted, c.opts.HistoryCapacity)
	c.total += len(accepted)
	for _, d := range accepted {
		c.categories[d.Category]++
	}
	c.lastError = ""
	snap := c.eventSnapshotLocked()
	c.mu.Unlock()

	log.WithFields(logFields).Infof("Accepted %d detection(s) in %s mode (%s)", len(accepted), mode, latency)
	c.notify(Event{Type: EventDetections, Accepted: cloneDetections(accepted), Mode: mode, Latency: latency, Snapshot: snap})
	return cloneDetections(accepted), nil
}

// reject records a failure that happened before any network call.
func (c *Controller) reject(err *Error, mode Mode) error {
	c.mu.Lock()
	c.lastError = err.Message
	snap := c.eventSnapshotLocked()
	c.mu.Unlock()

	log.WithFields(logFields).Debugf("Submission rejected (%s): %s", err.Kind, err.Message)
	c.notify(Event{Type: EventRejected, Mode: mode, Err: err, Snapshot: snap})
	return err
}

func prepend(history, items []Detection, capacity int) []Detection {
	n := len(items) + len(history)
	if n > capacity {
		n = capacity
	}
	out := make([]Detection, 0, n)
	out = append(out, items...)
	out = append(out, history...)
	return out[:n]
}

// ClearHistory resets history, counters, current results and the last error.
// The backend status is kept. A submission still in flight is discarded when
// it completes.
func (c *Controller) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.current = nil
	c.total = 0
	c.categories = make(map[Category]int)
	c.lastError = ""
	c.epoch++
	snap := c.eventSnapshotLocked()
	c.mu.Unlock()

	log.WithFields(logFields).Info("Detection history cleared")
	c.notify(Event{Type: EventCleared, Snapshot: snap})
}

// Retake discards the current results and last error.
func (c *Controller) Retake() {
	c.mu.Lock()
	c.current = nil
	c.lastError = ""
	snap := c.eventSnapshotLocked()
	c.mu.Unlock()

	c.notify(Event{Type: EventRetake, Snapshot: snap})
}

// AverageConfidence is the rounded mean confidence over the history, 0 when empty.
func (c *Controller) AverageConfidence() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return averageConfidence(c.history)
}

func averageConfidence(history []Detection) int {
	if len(history) == 0 {
		return 0
	}
	sum := 0
	for _, d := range history {
		sum += d.ConfidencePercent
	}
	return int(math.Round(float64(sum) / float64(len(history))))
}

// Status returns the last observed backend status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the last user-facing error message.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Busy reports whether a submission is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Current returns a copy of the current results.
func (c *Controller) Current() []Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneDetections(c.current)
}

// History returns a copy of the history, newest first.
func (c *Controller) History() []Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneDetections(c.history)
}

// TotalDetections returns the number of accepted detections since the last clear.
func (c *Controller) TotalDetections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// HistoryCapacity returns the configured history bound.
func (c *Controller) HistoryCapacity() int {
	return c.opts.HistoryCapacity
}

// Before reports whether s was taken earlier than other.
func (s Snapshot) Before(other Snapshot) bool {
	return s.Seq < other.Seq
}

// Snapshot returns a copy of the whole session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// eventSnapshotLocked advances the sequence and returns the snapshot an
// event carries.
func (c *Controller) eventSnapshotLocked() Snapshot {
	c.seq++
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	dist := make(map[Category]int, len(Categories))
	for _, cat := range Categories {
		dist[cat] = c.categories[cat]
	}
	return Snapshot{
		Seq:               c.seq,
		Status:            c.status,
		LastError:         c.lastError,
		Busy:              c.inFlight,
		Current:           cloneDetections(c.current),
		History:           cloneDetections(c.history),
		TotalDetections:   c.total,
		AverageConfidence: averageConfidence(c.history),
		Distribution:      dist,
	}
}

func cloneDetections(in []Detection) []Detection {
	out := make([]Detection, len(in))
	for i, d := range in {
		if d.BoundingBox != nil {
			b := *d.BoundingBox
			d.BoundingBox = &b
		}
		out[i] = d
	}
	return out
}
