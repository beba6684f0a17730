package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"

	"person-detect-go/config"
	"person-detect-go/internal/core/formatter"
	"person-detect-go/internal/core/models"
	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/db"
	"person-detect-go/internal/db/repository"
	"person-detect-go/internal/integrations/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPredictor struct {
	mu    sync.Mutex
	calls int
	res   predictor.Result
}

func (s *stubPredictor) Predict(ctx context.Context, img image.Image) <-chan predictor.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	out := make(chan predictor.Result, 1)
	out <- s.res
	return out
}

type recorder struct {
	mu       sync.Mutex
	analyses []models.Analysis
	urls     []string
	verdicts []mqtt.Verdict
}

func (r *recorder) BroadcastAnalysis(a models.Analysis, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses = append(r.analyses, a)
	r.urls = append(r.urls, url)
}

func (r *recorder) PublishVerdict(v mqtt.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
	return nil
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func setup(t *testing.T, res predictor.Result) (*ImageProcessor, *stubPredictor, *recorder, repository.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(config.DBConfig{File: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	repo := repository.NewSQLiteRepository(database)
	pred := &stubPredictor{res: res}
	rec := &recorder{}
	snapshots := filepath.Join(dir, "snapshots")

	p := NewImageProcessor(repo, pred, formatter.New("person"), Options{
		SnapshotDir: snapshots,
		SnapshotURL: "/snapshots",
		Broadcaster: rec,
		Publisher:   rec,
	})
	return p, pred, rec, repo, snapshots
}

func TestProcessStoresVerdict(t *testing.T) {
	res := predictor.Result{Prediction: predictor.Prediction{Items: []predictor.Item{
		{Name: "person", Confidence: 0.91},
		{Name: "dog", Confidence: 0.4},
	}}}
	p, _, rec, repo, snapshots := setup(t, res)

	a, err := p.Process(context.Background(), pngBytes(t, 10), "door.png", "api_upload")
	require.NoError(t, err)
	require.NotZero(t, a.ID)

	assert.Equal(t, string(formatter.OutcomeSuccess), a.Outcome)
	assert.Equal(t, 1, a.PersonCount)
	assert.Equal(t, "Person detected\nwith 0.91 confidence.\nDog detected\nwith 0.40 confidence.\n\nSUCCESS", a.Display)
	assert.Equal(t, "door.png", a.FileName)
	assert.Equal(t, 8, a.Width)
	assert.Equal(t, 6, a.Height)
	assert.FileExists(t, filepath.Join(snapshots, a.FilePath))
	assert.Equal(t, ".png", filepath.Ext(a.FilePath))

	stored, err := repo.GetAnalysisByID(a.ID)
	require.NoError(t, err)
	require.Len(t, stored.Detections, 2)
	assert.Equal(t, "dog", stored.Detections[1].Label)
	assert.JSONEq(t, `[{"name":"person","confidence":0.91},{"name":"dog","confidence":0.4}]`, string(stored.RawItems))

	require.Len(t, rec.analyses, 1)
	assert.Equal(t, "/snapshots/"+filepath.ToSlash(a.FilePath), rec.urls[0])
	require.Len(t, rec.verdicts, 1)
	assert.Equal(t, a.ID, rec.verdicts[0].AnalysisID)
	assert.Equal(t, "success", rec.verdicts[0].Outcome)
}

func TestProcessEmptyPredictionIsMistake(t *testing.T) {
	p, _, _, _, _ := setup(t, predictor.Result{})

	a, err := p.Process(context.Background(), pngBytes(t, 20), "", "api_upload")
	require.NoError(t, err)
	assert.Equal(t, "\nMISTAKE", a.Display)
	assert.Equal(t, string(formatter.OutcomeMistake), a.Outcome)
	assert.Empty(t, a.Error)
}

func TestProcessDeduplicatesByContent(t *testing.T) {
	res := predictor.Result{Prediction: predictor.Prediction{Items: []predictor.Item{{Name: "person", Confidence: 0.8}}}}
	p, pred, rec, _, _ := setup(t, res)
	data := pngBytes(t, 30)

	first, err := p.Process(context.Background(), data, "a.png", "api_upload")
	require.NoError(t, err)
	second, err := p.Process(context.Background(), data, "b.png", "api_upload")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, pred.calls)
	assert.Len(t, rec.analyses, 1)
}

func TestProcessRejectsUndecodableData(t *testing.T) {
	p, pred, rec, _, _ := setup(t, predictor.Result{})

	a, err := p.Process(context.Background(), []byte("not an image"), "x.txt", "api_upload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, predictor.ErrInvalidImage))
	assert.Nil(t, a)
	assert.Zero(t, pred.calls)
	assert.Empty(t, rec.analyses)
}

func TestProcessPersistsInferenceFailure(t *testing.T) {
	fail := predictor.Result{Err: errors.Join(predictor.ErrInferenceFailed, errors.New("session run"))}
	p, pred, _, repo, _ := setup(t, fail)
	data := pngBytes(t, 40)

	a, err := p.Process(context.Background(), data, "", "api_upload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, predictor.ErrInferenceFailed))
	require.NotNil(t, a)
	assert.Equal(t, string(formatter.OutcomeError), a.Outcome)
	assert.Equal(t, "\nINFERENCE FAILED", a.Display)
	assert.NotEmpty(t, a.Error)

	stored, err := repo.GetAnalysisByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", stored.Outcome)

	// failed analyses are retried, not answered from the database
	_, _ = p.Process(context.Background(), data, "", "api_upload")
	assert.Equal(t, 2, pred.calls)
}

func TestHandleSnapshotIgnoresGarbage(t *testing.T) {
	p, _, rec, _, _ := setup(t, predictor.Result{})

	require.NoError(t, p.HandleSnapshot(context.Background(), "frigate/door/person/snapshot", []byte{0x00, 0x01}))
	assert.Empty(t, rec.analyses)

	require.NoError(t, p.HandleSnapshot(context.Background(), "frigate/door/person/snapshot", pngBytes(t, 50)))
	require.Len(t, rec.analyses, 1)
	assert.Equal(t, "mqtt:frigate/door/person/snapshot", rec.analyses[0].Source)
}

func TestRemoveSnapshot(t *testing.T) {
	p, _, _, _, snapshots := setup(t, predictor.Result{})

	a, err := p.Process(context.Background(), pngBytes(t, 60), "", "api_upload")
	require.NoError(t, err)
	full := filepath.Join(snapshots, a.FilePath)
	require.FileExists(t, full)

	p.RemoveSnapshot(*a)
	assert.NoFileExists(t, full)

	// already gone
	p.RemoveSnapshot(*a)
}

type failingRepo struct {
	repository.Repository
}

func (failingRepo) SaveAnalysis(*models.Analysis) error {
	return errors.New("disk full")
}

func TestProcessRemovesSnapshotWhenStoreFails(t *testing.T) {
	p, _, rec, repo, snapshots := setup(t, predictor.Result{})
	p.repo = failingRepo{repo}

	a, err := p.Process(context.Background(), pngBytes(t, 70), "", "api_upload")
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Empty(t, rec.analyses)

	var files []string
	_ = filepath.WalkDir(snapshots, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	assert.Empty(t, files, "no orphaned snapshot files")
}
