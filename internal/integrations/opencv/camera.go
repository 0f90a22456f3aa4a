package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"wastesort-go/config"

	log "github.com/sirupsen/logrus"
	gocv "gocv.io/x/gocv"
)

var logFields = log.Fields{
	"component": "camera",
}

// ErrCameraDisabled is returned when capture is requested but no camera is configured
var ErrCameraDisabled = errors.New("camera capture is disabled")

// Camera grabs still frames from a local capture device
type Camera struct {
	cfg     config.CameraConfig
	mutex   sync.Mutex
	capture *gocv.VideoCapture
}

// NewCamera creates a camera. The device is opened lazily on first capture.
func NewCamera(cfg config.CameraConfig) *Camera {
	if !cfg.Enabled {
		log.WithFields(logFields).Info("Camera capture is disabled in the configuration")
	}
	return &Camera{cfg: cfg}
}

// Enabled reports whether capture is configured
func (c *Camera) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

func (c *Camera) open() error {
	if c.capture != nil {
		return nil
	}
	capture, err := gocv.OpenVideoCapture(c.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to open capture device %d: %w", c.cfg.DeviceID, err)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	c.capture = capture
	log.WithFields(logFields).Infof("Opened capture device %d", c.cfg.DeviceID)
	return nil
}

// Capture reads one frame and returns it JPEG encoded, downscaled to fit
// the configured maximum dimension
func (c *Camera) Capture(ctx context.Context) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrCameraDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.open(); err != nil {
		return nil, err
	}

	frame := gocv.NewMat()
	defer frame.Close()

	if ok := c.capture.Read(&frame); !ok || frame.Empty() {
		// Device may have gone away, reopen on the next call
		c.capture.Close()
		c.capture = nil
		return nil, fmt.Errorf("failed to read frame from device %d", c.cfg.DeviceID)
	}

	out := frame
	if w, h, resize := fitWithin(frame.Cols(), frame.Rows(), c.cfg.MaxDimension); resize {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(frame, &resized, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationArea)
		out = resized
	}

	quality := c.cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	log.WithFields(logFields).Debugf("Captured %dx%d frame (%d bytes)", out.Cols(), out.Rows(), len(data))
	return data, nil
}

// fitWithin scales w x h down so the longer side is at most max
func fitWithin(w, h, max int) (int, int, bool) {
	if max <= 0 || (w <= max && h <= max) {
		return w, h, false
	}
	if w >= h {
		return max, h * max / w, true
	}
	return w * max / h, max, true
}

// Close releases the capture device
func (c *Camera) Close() error {
	if c == nil {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.capture != nil {
		err := c.capture.Close()
		c.capture = nil
		return err
	}
	return nil
}
