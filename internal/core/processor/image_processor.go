package processor

import (
	"context"
	"errors"
	"fmt"

	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

// ErrNoSource is returned when capture is requested without a camera
var ErrNoSource = errors.New("no capture source configured")

// Source produces one encoded still image per call
type Source interface {
	Enabled() bool
	Capture(ctx context.Context) ([]byte, error)
}

// ImageProcessor connects the capture device to the detection session
type ImageProcessor struct {
	source     Source
	controller *session.Controller
}

// NewImageProcessor creates a processor. source may be nil.
func NewImageProcessor(source Source, controller *session.Controller) *ImageProcessor {
	return &ImageProcessor{
		source:     source,
		controller: controller,
	}
}

// CaptureEnabled reports whether a capture source is available
func (p *ImageProcessor) CaptureEnabled() bool {
	return p.source != nil && p.source.Enabled()
}

// Capture grabs one frame from the source
func (p *ImageProcessor) Capture(ctx context.Context) ([]byte, error) {
	if !p.CaptureEnabled() {
		return nil, ErrNoSource
	}
	img, err := p.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	return img, nil
}

// ProcessImage submits an already encoded image
func (p *ImageProcessor) ProcessImage(ctx context.Context, img []byte, mode session.Mode) ([]session.Detection, error) {
	log.Debugf("Processing image (%d bytes, mode %s)", len(img), mode)
	return p.controller.SubmitImage(ctx, img, mode)
}

// CaptureAndProcess grabs a frame and submits it in one step
func (p *ImageProcessor) CaptureAndProcess(ctx context.Context, mode session.Mode) ([]session.Detection, error) {
	img, err := p.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return p.ProcessImage(ctx, img, mode)
}

// AsyncObserver wraps an observer so that its work runs on the pool instead
// of the goroutine that changed the session
func AsyncObserver(pool *WorkerPool, name string, o session.Observer) session.Observer {
	return session.ObserverFunc(func(e session.Event) {
		err := pool.Submit(Job{
			Name: name + ":" + string(e.Type),
			Run: func(ctx context.Context) error {
				o.Observe(e)
				return nil
			},
		})
		if err != nil {
			log.Debugf("Observer %s skipped event %s: %v", name, e.Type, err)
		}
	})
}
