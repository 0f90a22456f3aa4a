package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDetector answers from preset values. When gate is set, Detect blocks
// until a value is sent on it.
type fakeDetector struct {
	mu         sync.Mutex
	health     *HealthReport
	healthErr  error
	resp       *DetectResponse
	detectErr  error
	gate       chan struct{}
	started    chan struct{}
	detectHits int
	healthHits int
}

func (f *fakeDetector) Health(ctx context.Context) (*HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthHits++
	return f.health, f.healthErr
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte) (*DetectResponse, error) {
	f.mu.Lock()
	f.detectHits++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.detectErr
}

func (f *fakeDetector) setResponse(resp *DetectResponse) {
	f.mu.Lock()
	f.resp = resp
	f.mu.Unlock()
}

func boolPtr(b bool) *bool { return &b }

func healthy() *HealthReport {
	return &HealthReport{Status: "healthy", ModelLoaded: boolPtr(true)}
}

func oneObject(class string, confidence float64) *DetectResponse {
	return &DetectResponse{Success: true, Detections: []DetectedObject{{Class: class, Confidence: confidence}}}
}

func newConnected(t *testing.T, det *fakeDetector, capacity int) *Controller {
	t.Helper()
	seq := 0
	c := NewController(det, Options{
		HistoryCapacity: capacity,
		NewID: func() string {
			seq++
			return fmt.Sprintf("det-%d", seq)
		},
	})
	status, msg := c.CheckHealth(context.Background())
	require.Equal(t, StatusConnected, status)
	require.Empty(t, msg)
	return c
}

func TestInitialStatusIsChecking(t *testing.T) {
	c := NewController(&fakeDetector{}, Options{})
	assert.Equal(t, StatusChecking, c.Status())
	assert.Equal(t, DefaultHistoryCapacity, c.HistoryCapacity())
	assert.Empty(t, c.History())
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     *HealthReport
		healthErr  error
		wantStatus Status
		wantMsg    string
	}{
		{"healthy", healthy(), nil, StatusConnected, ""},
		{"ok without model flag", &HealthReport{Status: "ok"}, nil, StatusConnected, ""},
		{"unhealthy with message", &HealthReport{Status: "unhealthy", Message: "GPU lost"}, nil, StatusDegraded, "GPU lost"},
		{"model not loaded", &HealthReport{Status: "healthy", ModelLoaded: boolPtr(false)}, nil, StatusDegraded, msgModelNotLoaded},
		{"unknown status", &HealthReport{Status: "starting"}, nil, StatusDegraded, msgDegraded},
		{"transport failure", nil, errors.New("connection refused"), StatusDisconnected, msgUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(&fakeDetector{health: tt.health, healthErr: tt.healthErr}, Options{})
			status, msg := c.CheckHealth(context.Background())
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
			assert.Equal(t, tt.wantStatus, c.Status())
			assert.Equal(t, tt.wantMsg, c.LastError())
		})
	}
}

func TestSubmitImageSuccess(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("plastic_bottle", 0.92)}
	c := newConnected(t, det, 10)

	got, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "det-1", got[0].ID)
	assert.Equal(t, "Plastic Bottle", got[0].Name)
	assert.Equal(t, 92, got[0].ConfidencePercent)
	assert.Equal(t, CategoryNonRecyclable, got[0].Category)
	assert.Equal(t, got, c.Current())
	assert.Equal(t, got, c.History())
	assert.Equal(t, 1, c.TotalDetections())
	assert.Empty(t, c.LastError())
	assert.False(t, c.Busy())
}

func TestSubmitImageSingleKeepsFirst(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: &DetectResponse{Success: true, Detections: []DetectedObject{
		{Class: "banana_peel", Confidence: 0.8, Category: "biodegradable"},
		{Class: "can", Confidence: 0.9, Category: "recyclable"},
	}}}
	c := newConnected(t, det, 10)

	got, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Banana Peel", got[0].Name)
	assert.Equal(t, 1, c.TotalDetections())

	got, err = c.SubmitImage(context.Background(), []byte("jpeg"), ModeMulti)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, c.TotalDetections())
	assert.Len(t, c.Current(), 2)

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.Distribution[CategoryBiodegradable])
	assert.Equal(t, 1, snap.Distribution[CategoryRecyclable])
	assert.Equal(t, 0, snap.Distribution[CategoryHazardous])
}

func TestSubmitImageEmptyImage(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("can", 0.9)}
	c := newConnected(t, det, 10)

	_, err := c.SubmitImage(context.Background(), nil, ModeSingle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, det.detectHits)
	assert.Equal(t, msgEmptyImage, c.LastError())
}

func TestSubmitImageInvalidMode(t *testing.T) {
	det := &fakeDetector{health: healthy()}
	c := newConnected(t, det, 10)

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), Mode("batch"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, det.detectHits)
}

func TestSubmitImageNotConnectedTriggersHealthCheck(t *testing.T) {
	det := &fakeDetector{healthErr: errors.New("dial tcp: refused")}
	c := NewController(det, Options{})

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, 1, det.healthHits)
	assert.Equal(t, 0, det.detectHits)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, msgUnreachable, c.LastError())
}

func TestSubmitImageNotConnectedButRecovered(t *testing.T) {
	det := &fakeDetector{health: healthy()}
	c := NewController(det, Options{})

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, msgNotConnected, c.LastError())
	assert.Equal(t, 0, det.detectHits)
}

func TestHistoryBound(t *testing.T) {
	det := &fakeDetector{health: healthy()}
	c := newConnected(t, det, 10)

	for i := 1; i <= 12; i++ {
		det.setResponse(&DetectResponse{Success: true, Detections: []DetectedObject{
			{Class: fmt.Sprintf("item_%d", i), Confidence: 0.5},
		}})
		_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
		require.NoError(t, err)
	}

	history := c.History()
	require.Len(t, history, 10)
	for i, d := range history {
		assert.Equal(t, fmt.Sprintf("Item %d", 12-i), d.Name)
	}
	assert.Equal(t, 12, c.TotalDetections())
}

func TestHistoryBoundMultiOverflow(t *testing.T) {
	objs := make([]DetectedObject, 5)
	for i := range objs {
		objs[i] = DetectedObject{Class: fmt.Sprintf("obj_%d", i), Confidence: 50}
	}
	det := &fakeDetector{health: healthy(), resp: &DetectResponse{Success: true, Detections: objs}}
	c := newConnected(t, det, 3)

	got, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeMulti)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Len(t, c.History(), 3)
	assert.Equal(t, "Obj 0", c.History()[0].Name)
	assert.Equal(t, 5, c.TotalDetections())
}

func TestMutualExclusion(t *testing.T) {
	det := &fakeDetector{
		health:  healthy(),
		resp:    oneObject("can", 0.9),
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newConnected(t, det, 10)

	type result struct {
		dets []Detection
		err  error
	}
	first := make(chan result, 1)
	go func() {
		d, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
		first <- result{d, err}
	}()

	<-det.started
	assert.True(t, c.Busy())

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Equal(t, msgBusy, c.LastError())

	det.gate <- struct{}{}
	res := <-first
	require.NoError(t, res.err)
	assert.Len(t, res.dets, 1)
	assert.Len(t, c.History(), 1)
	assert.Equal(t, 1, c.TotalDetections())
	assert.Empty(t, c.LastError())
	assert.False(t, c.Busy())
}

func TestClearDiscardsInFlightResult(t *testing.T) {
	det := &fakeDetector{
		health:  healthy(),
		resp:    oneObject("can", 0.9),
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newConnected(t, det, 10)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
		errCh <- err
	}()

	<-det.started
	c.ClearHistory()
	det.gate <- struct{}{}

	err := <-errCh
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Empty(t, c.History())
	assert.Empty(t, c.Current())
	assert.Equal(t, 0, c.TotalDetections())
	assert.False(t, c.Busy())
}

func TestAverageConfidence(t *testing.T) {
	det := &fakeDetector{health: healthy()}
	c := newConnected(t, det, 10)
	assert.Equal(t, 0, c.AverageConfidence())

	for _, conf := range []float64{100, 0.8, 90} {
		det.setResponse(oneObject("item", conf))
		_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
		require.NoError(t, err)
	}
	assert.Equal(t, 90, c.AverageConfidence())
	assert.Equal(t, 90, c.Snapshot().AverageConfidence)
}

func TestServiceFailureKeepsStatusAndResults(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("can", 0.9)}
	c := newConnected(t, det, 10)

	first, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)

	det.setResponse(&DetectResponse{Success: false, Error: "Model not loaded. Check server console."})
	_, err = c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrService)

	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, "Model not loaded. Check server console.", c.LastError())
	assert.Equal(t, first, c.Current())
	assert.Len(t, c.History(), 1)
	assert.Equal(t, 1, c.TotalDetections())
}

func TestTransportFailureKeepsStatus(t *testing.T) {
	det := &fakeDetector{health: healthy(), detectErr: errors.New("connection reset")}
	c := newConnected(t, det, 10)

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, KindConnectivity, KindOf(err))
	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, msgDetectTransport, c.LastError())
}

func TestDetectTimeout(t *testing.T) {
	det := &fakeDetector{health: healthy(), gate: make(chan struct{})}
	c := NewController(det, Options{DetectTimeout: 20 * time.Millisecond})
	c.CheckHealth(context.Background())

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, msgDetectTimeout, c.LastError())
	assert.False(t, c.Busy())
}

func TestClearHistoryPreservesStatus(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("can", 0.9)}
	c := newConnected(t, det, 10)

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)

	c.ClearHistory()

	snap := c.Snapshot()
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.Current)
	assert.Equal(t, 0, snap.TotalDetections)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, 0, snap.Distribution[CategoryNonRecyclable])
}

func TestRetake(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("can", 0.9)}
	c := newConnected(t, det, 10)

	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)
	_, _ = c.SubmitImage(context.Background(), nil, ModeSingle)
	require.NotEmpty(t, c.LastError())

	c.Retake()
	assert.Empty(t, c.Current())
	assert.Empty(t, c.LastError())
	assert.Len(t, c.History(), 1)
	assert.Equal(t, 1, c.TotalDetections())
}

func TestDustbinColorAlwaysMatchesCategory(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: &DetectResponse{Success: true, Detections: []DetectedObject{
		{Class: "apple", Category: "Biodegradable", Confidence: 0.7},
		{Class: "bottle", Category: "RECYCLABLE", Confidence: 0.7},
		{Class: "battery", Category: "hazardous", Confidence: 0.7},
		{Class: "wrapper", Category: "non-recyclable", Confidence: 0.7},
		{Class: "mystery", Category: "space_junk", Confidence: 0.7},
	}}}
	c := newConnected(t, det, 10)

	got, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeMulti)
	require.NoError(t, err)

	want := map[Category]string{
		CategoryBiodegradable: "Green",
		CategoryRecyclable:    "Blue",
		CategoryHazardous:     "Red",
		CategoryNonRecyclable: "Black",
	}
	for _, d := range c.History() {
		assert.Equal(t, want[d.Category], d.DustbinColor(), d.Name)
	}
	assert.Equal(t, CategoryNonRecyclable, got[4].Category)
}

func TestObserversReceiveEvents(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: oneObject("can", 0.9)}
	c := NewController(det, Options{})

	var mu sync.Mutex
	var types []EventType
	c.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}))

	c.CheckHealth(context.Background())
	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)
	_, _ = c.SubmitImage(context.Background(), nil, ModeSingle)
	c.Retake()
	c.ClearHistory()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventStatus, EventDetections, EventRejected, EventRetake, EventCleared}, types)
}

func TestSnapshotIsCopy(t *testing.T) {
	det := &fakeDetector{health: healthy(), resp: &DetectResponse{Success: true, Detections: []DetectedObject{
		{Class: "can", Confidence: 0.9, BoundingBox: &BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}},
	}}}
	c := newConnected(t, det, 10)
	_, err := c.SubmitImage(context.Background(), []byte("jpeg"), ModeSingle)
	require.NoError(t, err)

	snap := c.Snapshot()
	snap.History[0].Name = "changed"
	snap.History[0].BoundingBox.X = 99

	again := c.History()
	assert.Equal(t, "Can", again[0].Name)
	assert.Equal(t, 1.0, again[0].BoundingBox.X)
}

func TestEventSnapshotsAreSequenced(t *testing.T) {
	det := &fakeDetector{health: healthy()}
	c := NewController(det, Options{})

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	c.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		seen[e.Snapshot.Seq] = true
		mu.Unlock()
	}))

	const checks = 20
	var wg sync.WaitGroup
	for i := 0; i < checks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CheckHealth(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, checks)
	for seq := uint64(1); seq <= checks; seq++ {
		assert.True(t, seen[seq], "missing seq %d", seq)
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(checks), snap.Seq)
	assert.Equal(t, snap.Seq, c.Snapshot().Seq)

	c.Retake()
	assert.True(t, snap.Before(c.Snapshot()))
}
