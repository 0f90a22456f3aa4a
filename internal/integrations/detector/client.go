package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wastesort-go/config"
	"wastesort-go/internal/session"

	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "detector",
}

// maxErrorBody limits how much of a failed response is read for its message.
const maxErrorBody = 4096

// Client talks to the remote waste detection service over HTTP.
type Client struct {
	config     config.DetectorConfig
	httpClient *http.Client
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded *bool  `json:"model_loaded"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
}

type detectRequest struct {
	Image string `json:"image"`
}

type bboxPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type detectionPayload struct {
	Class       string       `json:"class"`
	Label       string       `json:"label"`
	Name        string       `json:"name"`
	Category    string       `json:"category"`
	Confidence  float64      `json:"confidence"`
	Description string       `json:"description"`
	BBox        *bboxPayload `json:"bbox"`
	BoundingBox *bboxPayload `json:"bounding_box"`
}

type detectResponse struct {
	Success    bool               `json:"success"`
	Detections []detectionPayload `json:"detections"`
	Error      string             `json:"error"`
}

// NewClient creates a client for the configured service. Timeouts are applied
// per call through the context, the http.Client limit is a safety net.
func NewClient(cfg config.DetectorConfig) *Client {
	timeout := cfg.DetectTimeout
	if cfg.HealthTimeout > timeout {
		timeout = cfg.HealthTimeout
	}
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second,
		},
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.config.URL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}
	return req, nil
}

// Health queries the health endpoint. Any HTTP answer is a report, only
// an unreachable service is an error.
func (c *Client) Health(ctx context.Context) (*session.HealthReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.config.HealthPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach detection service: %w", err)
	}
	defer resp.Body.Close()

	var payload healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&payload); err != nil {
		log.WithFields(logFields).Debugf("Undecodable health response (HTTP %d): %v", resp.StatusCode, err)
		return &session.HealthReport{
			Status:  "unknown",
			Message: fmt.Sprintf("Detection service answered with HTTP %d", resp.StatusCode),
		}, nil
	}

	report := &session.HealthReport{
		Status:      payload.Status,
		ModelLoaded: payload.ModelLoaded,
		Message:     payload.Message,
	}
	if resp.StatusCode != http.StatusOK && report.Healthy() {
		report.Status = "unhealthy"
		if report.Message == "" {
			report.Message = fmt.Sprintf("Detection service answered with HTTP %d", resp.StatusCode)
		}
	}
	return report, nil
}

// Detect sends one encoded image. The image may be raw bytes or a base64
// data URI, either way the service receives plain base64.
func (c *Client) Detect(ctx context.Context, image []byte) (*session.DetectResponse, error) {
	body, err := json.Marshal(detectRequest{Image: EncodeImage(image)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.config.DetectPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	log.WithFields(logFields).Debugf("Sending %d bytes to %s", len(image), req.URL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &session.DetectResponse{Error: errorMessage(resp)}, nil
	}

	var payload detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.WithFields(logFields).Warnf("Failed to decode detect response: %v", err)
		return &session.DetectResponse{Error: "Invalid response from detection service"}, nil
	}

	out := &session.DetectResponse{
		Success:    payload.Success,
		Error:      payload.Error,
		Detections: make([]session.DetectedObject, 0, len(payload.Detections)),
	}
	for _, d := range payload.Detections {
		out.Detections = append(out.Detections, d.toObject())
	}
	return out, nil
}

func (d detectionPayload) toObject() session.DetectedObject {
	class := d.Class
	if class == "" {
		class = d.Label
	}
	box := d.BBox
	if box == nil {
		box = d.BoundingBox
	}
	obj := session.DetectedObject{
		Class:       class,
		Confidence:  d.Confidence,
		Name:        d.Name,
		Category:    d.Category,
		Description: d.Description,
	}
	if box != nil {
		obj.BoundingBox = &session.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}
	}
	return obj
}

func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

// StripDataURI removes a "data:<mime>;base64," prefix.
func StripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

// EncodeImage returns the base64 payload for image. Input that already is a
// data URI is passed through without its prefix.
func EncodeImage(image []byte) string {
	if bytes.HasPrefix(image, []byte("data:")) {
		return StripDataURI(string(image))
	}
	return base64.StdEncoding.EncodeToString(image)
}
