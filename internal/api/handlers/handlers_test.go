package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/core/models"
	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/db"
	"wastesort-go/internal/db/repository"
	"wastesort-go/internal/server/sse"
	"wastesort-go/internal/session"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	mu        sync.Mutex
	health    *session.HealthReport
	healthErr error
	resp      *session.DetectResponse
	images    [][]byte
}

func (s *stubDetector) Health(ctx context.Context) (*session.HealthReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, s.healthErr
}

func (s *stubDetector) Detect(ctx context.Context, image []byte) (*session.DetectResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, image)
	return s.resp, nil
}

func (s *stubDetector) lastImage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return nil
	}
	return s.images[len(s.images)-1]
}

type stubSource struct {
	frame []byte
	err   error
}

func (s *stubSource) Enabled() bool { return true }

func (s *stubSource) Capture(ctx context.Context) ([]byte, error) { return s.frame, s.err }

func healthyDetector() *stubDetector {
	return &stubDetector{
		health: &session.HealthReport{Status: "healthy"},
		resp: &session.DetectResponse{
			Success: true,
			Detections: []session.DetectedObject{
				{Class: "plastic_bottle", Confidence: 0.92, Category: "recyclable"},
			},
		},
	}
}

type testEnv struct {
	router     *gin.Engine
	controller *session.Controller
	detector   *stubDetector
	hub        *sse.Hub
}

type envOptions struct {
	source processor.Source
	repo   repository.Repository
}

func newTestEnv(t *testing.T, det *stubDetector, opts envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tr, err := middleware.NewTranslator(middleware.I18nConfig{DefaultLanguage: "en"})
	require.NoError(t, err)

	controller := session.NewController(det, session.Options{HistoryCapacity: 10})
	hub := sse.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	controller.Subscribe(hub)

	router := gin.New()
	router.Use(sessions.Sessions("wastesort", cookie.NewStore([]byte("test-secret"))))
	router.Use(middleware.I18n(tr))

	api := router.Group("/api")
	NewAPIHandler(controller, processor.NewImageProcessor(opts.source, controller), tr, session.ModeSingle).RegisterRoutes(api)
	NewEventHandler(hub, controller).RegisterRoutes(api)
	NewCategoryHandler(tr).RegisterRoutes(api)
	NewAdminHandler(opts.repo, tr).RegisterRoutes(api.Group("/admin"))
	NewSystemHandler(nil, time.Now()).RegisterRoutes(api.Group("/system"))

	return &testEnv{router: router, controller: controller, detector: det, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) detectJSON(t *testing.T, image, mode string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"image": image, "mode": mode})
	require.NoError(t, err)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return e.do(t, http.MethodPost, "/api/detect", bytes.NewReader(body), headers)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func dataURI(b []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b)
}

func TestStatusAndHealthCheck(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})

	w := env.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "checking", body["backendStatus"])
	assert.Equal(t, false, body["busy"])
	assert.EqualValues(t, 10, body["historyCapacity"])

	w = env.do(t, http.MethodPost, "/api/health/check", nil, map[string]string{"Accept-Language": "de"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "connected", body["backendStatus"])
	assert.Equal(t, "Verbunden", body["statusLabel"])
}

func TestHealthCheckUnreachable(t *testing.T) {
	det := healthyDetector()
	det.health = nil
	det.healthErr = errors.New("connection refused")
	env := newTestEnv(t, det, envOptions{})

	w := env.do(t, http.MethodPost, "/api/health/check", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "disconnected", body["backendStatus"])
	assert.NotEmpty(t, body["message"])
}

func TestDetectJSON(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)

	w := env.detectJSON(t, dataURI([]byte("jpeg-bytes")), "single", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["count"])
	det := body["detections"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "recyclable", det["category"])
	assert.Equal(t, "Blue", det["dustbinColor"])
	assert.EqualValues(t, 92, det["confidence"])
	assert.Equal(t, []byte("jpeg-bytes"), env.detector.lastImage())

	w = env.do(t, http.MethodGet, "/api/history", nil, nil)
	assert.Len(t, decode(t, w)["history"], 1)

	w = env.do(t, http.MethodGet, "/api/results", nil, nil)
	assert.Len(t, decode(t, w)["results"], 1)

	w = env.do(t, http.MethodGet, "/api/stats", nil, nil)
	stats := decode(t, w)
	assert.EqualValues(t, 1, stats["totalDetectionCount"])
	assert.EqualValues(t, 92, stats["averageConfidence"])
	assert.EqualValues(t, 1, stats["categoryDistribution"].(map[string]interface{})["recyclable"])
}

func TestDetectMultipart(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("uploaded"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := env.do(t, http.MethodPost, "/api/detect?mode=multi", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "multi", decode(t, w)["mode"])
	assert.Equal(t, []byte("uploaded"), env.detector.lastImage())
}

func TestDetectValidation(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)

	w := env.detectJSON(t, "", "single", map[string]string{"Accept-Language": "de"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "validation", body["kind"])
	assert.Equal(t, "empty_image", body["code"])
	assert.Equal(t, "Kein Bild vorhanden. Bitte zuerst ein Bild aufnehmen oder hochladen.", body["error"])

	w = env.detectJSON(t, dataURI([]byte("x")), "triple", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_mode", decode(t, w)["code"])

	w = env.detectJSON(t, "%%%not-base64", "single", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/api/detect", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "empty_image", decode(t, w)["code"])

	// The rejection is visible in the status
	w = env.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.NotEmpty(t, decode(t, w)["lastError"])
}

func TestDetectNotConnected(t *testing.T) {
	det := healthyDetector()
	det.health = nil
	det.healthErr = errors.New("connection refused")
	env := newTestEnv(t, det, envOptions{})

	w := env.detectJSON(t, dataURI([]byte("x")), "single", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "connectivity", decode(t, w)["kind"])
	assert.Nil(t, env.detector.lastImage())
}

func TestDetectServiceError(t *testing.T) {
	det := healthyDetector()
	det.resp = &session.DetectResponse{Success: false, Error: "model crashed"}
	env := newTestEnv(t, det, envOptions{})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)

	w := env.detectJSON(t, dataURI([]byte("x")), "single", map[string]string{"Accept-Language": "de"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "service", body["kind"])
	assert.Equal(t, "model crashed", body["error"])
}

func TestRetakeAndClearHistory(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)
	require.Equal(t, http.StatusOK, env.detectJSON(t, dataURI([]byte("x")), "single", nil).Code)

	w := env.do(t, http.MethodPost, "/api/retake", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Empty(t, body["currentResults"])
	assert.Len(t, body["history"], 1)

	w = env.do(t, http.MethodDelete, "/api/history", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "confirm_required", decode(t, w)["code"])
	assert.Len(t, env.controller.History(), 1)

	w = env.do(t, http.MethodDelete, "/api/history?confirm=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.EqualValues(t, 0, body["totalDetectionCount"])
	assert.Empty(t, body["history"])
	assert.Equal(t, "connected", body["backendStatus"])
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})

	w := env.do(t, http.MethodGet, "/api/export.csv", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_history", decode(t, w)["code"])

	env.do(t, http.MethodPost, "/api/health/check", nil, nil)
	require.Equal(t, http.StatusOK, env.detectJSON(t, dataURI([]byte("x")), "single", nil).Code)

	w = env.do(t, http.MethodGet, "/api/export.csv", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "waste_detection_")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp,Object Name,Category,Confidence %,Dustbin Color", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], `,"recyclable",92,"Blue"`), lines[1])
}

func TestCapture(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	w := env.do(t, http.MethodPost, "/api/capture", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "camera_disabled", decode(t, w)["code"])

	env = newTestEnv(t, healthyDetector(), envOptions{source: &stubSource{frame: []byte("frame")}})
	w = env.do(t, http.MethodPost, "/api/capture", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, dataURI([]byte("frame")), body["image"])
	assert.EqualValues(t, 5, body["size"])

	env = newTestEnv(t, healthyDetector(), envOptions{source: &stubSource{err: errors.New("no device")}})
	w = env.do(t, http.MethodPost, "/api/capture", nil, nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "camera_failed", decode(t, w)["code"])
}

func TestDetectCamera(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{source: &stubSource{frame: []byte("frame")}})
	env.do(t, http.MethodPost, "/api/health/check", nil, nil)

	w := env.do(t, http.MethodPost, "/api/detect/camera?mode=single", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Equal(t, []byte("frame"), env.detector.lastImage())

	w = env.do(t, http.MethodPost, "/api/detect/camera?mode=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_mode", decode(t, w)["code"])
}

func TestCategories(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})

	w := env.do(t, http.MethodGet, "/api/categories?lang=de", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Language   string          `json:"language"`
		Title      string          `json:"title"`
		Categories []CategoryGuide `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "de", body.Language)
	assert.Equal(t, "Leitfaden zur Abfalltrennung", body.Title)
	require.Len(t, body.Categories, 4)

	bio := body.Categories[0]
	assert.Equal(t, session.CategoryBiodegradable, bio.Category)
	assert.Equal(t, "Biologisch abbaubar", bio.Name)
	assert.Equal(t, "Green", bio.DustbinColor)
	assert.Len(t, bio.Examples, 5)
	assert.Equal(t, "Biologisch abbaubar gehört in die grüne Tonne.", bio.Summary)

	for _, g := range body.Categories {
		assert.Equal(t, g.Category.DustbinColor(), g.DustbinColor)
		assert.NotEmpty(t, g.Impact)
		assert.NotEmpty(t, g.Decomposition)
	}
}

func newTestRepository(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	conn, err := db.Open("file::memory:")
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return repository.NewSQLiteRepository(conn)
}

func TestAdminArchiveDisabled(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})

	w := env.do(t, http.MethodGet, "/api/admin/detections", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "archive_disabled", decode(t, w)["code"])
}

func TestAdminDetections(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now().UTC()
	require.NoError(t, repo.SaveDetections([]models.DetectionRecord{
		{DetectionID: "a", Name: "Soda Can", Category: "recyclable", Confidence: 90, DustbinColor: "Blue", DetectedAt: now.Add(-time.Minute)},
		{DetectionID: "b", Name: "Banana Peel", Category: "biodegradable", Confidence: 80, DustbinColor: "Green", DetectedAt: now},
	}))
	env := newTestEnv(t, healthyDetector(), envOptions{repo: repo})

	w := env.do(t, http.MethodGet, "/api/admin/detections?category=recyclable", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["detections"], 1)
	assert.EqualValues(t, 1, body["pagination"].(map[string]interface{})["total"])

	w = env.do(t, http.MethodGet, "/api/admin/detections?q=banana", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["detections"].([]interface{})
	require.Len(t, records, 1)
	id := records[0].(map[string]interface{})["ID"]

	w = env.do(t, http.MethodGet, "/api/admin/detections?category=plastic", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/dashboard-stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["total_detections"])

	w = env.do(t, http.MethodDelete, "/api/admin/detections/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path := "/api/admin/detections/" + jsonNumber(id)
	w = env.do(t, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestSystemStats(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})

	w := env.do(t, http.MethodGet, "/api/system/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotZero(t, body["num_cpu"])
	assert.NotEmpty(t, body["uptime"])
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, healthyDetector(), envOptions{})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sse.SessionEventData, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var data sse.SessionEventData
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &data) == nil {
				events <- data
			}
		}
	}()

	next := func() sse.SessionEventData {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return sse.SessionEventData{}
		}
	}

	first := next()
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, session.StatusChecking, first.Session.Status)

	env.controller.Retake()
	assert.Equal(t, "retake", next().Type)
}
