package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"person-detect-go/config"
	"person-detect-go/internal/core/formatter"
	"person-detect-go/internal/core/models"
	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/core/processor"
	"person-detect-go/internal/core/viewmodel"
	"person-detect-go/internal/db"
	"person-detect-go/internal/db/repository"
	"person-detect-go/internal/server/sse"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPredictor struct {
	res predictor.Result
}

func (s *stubPredictor) Predict(ctx context.Context, img image.Image) <-chan predictor.Result {
	out := make(chan predictor.Result, 1)
	out <- s.res
	return out
}

func (s *stubPredictor) Stats() predictor.PoolStats {
	return predictor.PoolStats{WorkerCount: 1}
}

type fixture struct {
	router  *gin.Engine
	repo    repository.Repository
	pred    *stubPredictor
	display *viewmodel.ViewModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(config.DBConfig{File: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := sse.NewHub()
	go hub.Run(ctx)

	repo := repository.NewSQLiteRepository(database)
	pred := &stubPredictor{}
	f := formatter.New("person")
	proc := processor.NewImageProcessor(repo, pred, f, processor.Options{
		SnapshotDir: filepath.Join(dir, "snapshots"),
		SnapshotURL: "/snapshots",
		Broadcaster: hub,
	})
	display := viewmodel.New(pred, f)

	router := gin.New()
	api := router.Group("/api")
	NewAPIHandler(repo, proc, hub, pred, nil).RegisterRoutes(api)
	NewDisplayHandler(ctx, display).RegisterRoutes(api)
	NewEventHandler(hub).RegisterRoutes(api)
	NewWebhookHandler(proc).RegisterRoutes(api)

	return &fixture{router: router, repo: repo, pred: pred, display: display}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.Gray{Y: 255 - shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, target string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "upload.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type predictResponse struct {
	Analysis    models.Analysis `json:"analysis"`
	Display     string          `json:"display"`
	SnapshotURL string          `json:"snapshot_url"`
	Error       string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestPredictReturnsDisplay(t *testing.T) {
	f := newFixture(t)
	f.pred.res = predictor.Result{Prediction: predictor.Prediction{Items: []predictor.Item{
		{Name: "person", Confidence: 0.75},
		{Name: "person", Confidence: 0.5},
	}}}

	w := f.do(uploadRequest(t, "/api/predict", pngBytes(t, 1), map[string]string{"source": "doorbell"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp predictResponse
	decode(t, w, &resp)
	assert.Equal(t, "Person detected\nwith 0.75 confidence.\nPerson detected\nwith 0.50 confidence.\n\nMORE THAN ONE PERSON", resp.Display)
	assert.Equal(t, "doorbell", resp.Analysis.Source)
	assert.Equal(t, "multiple", resp.Analysis.Outcome)
	assert.Contains(t, resp.SnapshotURL, "/snapshots/")
}

func TestPredictRejectsBadUploads(t *testing.T) {
	f := newFixture(t)

	w := f.do(uploadRequest(t, "/api/predict", []byte("plain text"), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/predict", nil)
	w = f.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictInferenceFailure(t *testing.T) {
	f := newFixture(t)
	f.pred.res = predictor.Result{Err: predictor.ErrInferenceFailed}

	w := f.do(uploadRequest(t, "/api/predict", pngBytes(t, 2), nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp predictResponse
	decode(t, w, &resp)
	assert.Equal(t, "\nINFERENCE FAILED", resp.Display)
	assert.Equal(t, "error", resp.Analysis.Outcome)
	assert.NotEmpty(t, resp.Error)
}

func TestAnalysesLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(uploadRequest(t, "/api/predict", pngBytes(t, 3), nil))
	require.Equal(t, http.StatusOK, w.Code)
	var created predictResponse
	decode(t, w, &created)
	id := created.Analysis.ID
	require.NotZero(t, id)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses?limit=10&outcome=mistake", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Analyses []models.Analysis `json:"analyses"`
		Total    int64             `json:"total"`
	}
	decode(t, w, &list)
	assert.EqualValues(t, 1, list.Total)
	require.Len(t, list.Analyses, 1)
	assert.Equal(t, "\nMISTAKE", list.Analyses[0].Display)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/"+itoa(id), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/statistics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.Statistics
	decode(t, w, &stats)
	assert.EqualValues(t, 1, stats.TotalAnalyses)
	assert.EqualValues(t, 1, stats.Mistakes)

	w = f.do(httptest.NewRequest(http.MethodDelete, "/api/analyses/"+itoa(id), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/"+itoa(id), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(httptest.NewRequest(http.MethodDelete, "/api/analyses/"+itoa(id), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidQueryParameters(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/api/analyses?limit=abc", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/api/analyses?offset=-1", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/xyz", nil)).Code)
}

func TestDisplaySubmission(t *testing.T) {
	f := newFixture(t)
	f.pred.res = predictor.Result{Prediction: predictor.Prediction{Items: []predictor.Item{{Name: "person", Confidence: 0.9}}}}

	w := f.do(uploadRequest(t, "/api/display", pngBytes(t, 4), nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return !f.display.State().Pending
	}, 2*time.Second, 10*time.Millisecond)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/display", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var state viewmodel.State
	decode(t, w, &state)
	assert.Equal(t, "Person detected\nwith 0.90 confidence.\n\nSUCCESS", state.Result)
	assert.Equal(t, 1, state.PersonCount)
	assert.EqualValues(t, 1, state.Submission)
}

func TestDisplayRejectsNonImage(t *testing.T) {
	f := newFixture(t)

	w := f.do(uploadRequest(t, "/api/display", []byte{1, 2, 3}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.display.State().Submission)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Status string `json:"status"`
		MQTT   struct {
			Enabled bool `json:"enabled"`
		} `json:"mqtt"`
		System struct {
			Predictor predictor.PoolStats `json:"predictor"`
		} `json:"system"`
	}
	decode(t, w, &status)
	assert.Equal(t, "ok", status.Status)
	assert.False(t, status.MQTT.Enabled)
	assert.Equal(t, 1, status.System.Predictor.WorkerCount)
}

func TestWebhookBase64(t *testing.T) {
	f := newFixture(t)
	f.pred.res = predictor.Result{Prediction: predictor.Prediction{Items: []predictor.Item{{Name: "cat", Confidence: 0.3}}}}

	payload, err := json.Marshal(WebhookRequest{
		ImageBase64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 5)),
		CameraName:  "garden",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		AnalysisID uint   `json:"analysis_id"`
		Outcome    string `json:"outcome"`
		Display    string `json:"display"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "mistake", resp.Outcome)
	assert.Equal(t, "Cat detected\nwith 0.30 confidence.\n\nMISTAKE", resp.Display)

	stored, err := f.repo.GetAnalysisByID(resp.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "webhook:garden", stored.Source)
}

func TestWebhookRequiresImage(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader([]byte(`{"source":"x"}`)))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader([]byte(`{"image_base64":"!!"}`)))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestEventStreamForwardsBroadcasts(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the handler registers right after flushing the headers
	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	shade := uint8(10)
	require.Eventually(t, func() bool {
		shade++
		w := f.do(uploadRequest(t, "/api/predict", pngBytes(t, shade), nil))
		if w.Code != http.StatusOK {
			return false
		}
		select {
		case chunk := <-lines:
			return bytes.Contains([]byte(chunk), []byte(`"type":"analysis"`))
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
