package repository

import (
	"path/filepath"
	"testing"
	"time"

	"person-detect-go/config"
	"person-detect-go/internal/core/models"
	"person-detect-go/internal/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.Open(config.DBConfig{File: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return NewSQLiteRepository(database)
}

func analysis(hash, outcome string, persons int, ts time.Time, labels ...string) *models.Analysis {
	a := &models.Analysis{
		ContentHash: hash,
		Source:      "test",
		Timestamp:   ts,
		Outcome:     outcome,
		PersonCount: persons,
		Display:     "\n" + outcome,
	}
	for i, l := range labels {
		a.Detections = append(a.Detections, models.Detection{Position: i, Label: l, Confidence: 0.5})
	}
	return a
}

func TestSaveAndLoadAnalysis(t *testing.T) {
	r := newRepo(t)

	a := analysis("h1", "multiple", 2, time.Now(), "person", "dog", "person")
	require.NoError(t, r.SaveAnalysis(a))
	require.NotZero(t, a.ID)

	got, err := r.GetAnalysisByID(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Detections, 3)
	assert.Equal(t, "person", got.Detections[0].Label)
	assert.Equal(t, "dog", got.Detections[1].Label)
	assert.Equal(t, 2, got.PersonCount)

	missing, err := r.GetAnalysisByID(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindAnalysisByHashSkipsFailures(t *testing.T) {
	r := newRepo(t)

	require.NoError(t, r.SaveAnalysis(analysis("same", "error", 0, time.Now())))
	found, err := r.FindAnalysisByHash("same")
	require.NoError(t, err)
	assert.Nil(t, found)

	ok := analysis("same", "success", 1, time.Now(), "person")
	require.NoError(t, r.SaveAnalysis(ok))
	found, err = r.FindAnalysisByHash("same")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ok.ID, found.ID)
}

func TestGetAnalysesPagingAndFilter(t *testing.T) {
	r := newRepo(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		outcome := "mistake"
		if i%2 == 0 {
			outcome = "success"
		}
		require.NoError(t, r.SaveAnalysis(analysis("h", outcome, 0, base.Add(time.Duration(i)*time.Minute))))
	}

	page, total, err := r.GetAnalyses(AnalysisFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.True(t, page[0].Timestamp.After(page[1].Timestamp))

	successes, total, err := r.GetAnalyses(AnalysisFilter{Outcome: "success"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, successes, 3)
}

func TestDeleteAnalysis(t *testing.T) {
	r := newRepo(t)
	a := analysis("h", "success", 1, time.Now(), "person")
	require.NoError(t, r.SaveAnalysis(a))

	deleted, err := r.DeleteAnalysis(a.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted)

	got, err := r.GetAnalysisByID(a.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	var detections int64
	require.NoError(t, r.db.Unscoped().Model(&models.Detection{}).Count(&detections).Error)
	assert.Zero(t, detections)

	deleted, err = r.DeleteAnalysis(a.ID)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestDeleteOlderThan(t *testing.T) {
	r := newRepo(t)
	old := analysis("old", "mistake", 0, time.Now())
	old.CreatedAt = time.Now().AddDate(0, 0, -10)
	require.NoError(t, r.SaveAnalysis(old))
	require.NoError(t, r.SaveAnalysis(analysis("new", "success", 1, time.Now())))

	removed, err := r.DeleteOlderThan(time.Now().AddDate(0, 0, -5))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].ContentHash)

	_, total, err := r.GetAnalyses(AnalysisFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestGetStatistics(t *testing.T) {
	r := newRepo(t)
	now := time.Now()
	require.NoError(t, r.SaveAnalysis(analysis("a", "success", 1, now.Add(-time.Minute))))
	require.NoError(t, r.SaveAnalysis(analysis("b", "multiple", 3, now)))
	require.NoError(t, r.SaveAnalysis(analysis("c", "mistake", 0, now.Add(-time.Hour))))
	require.NoError(t, r.SaveAnalysis(analysis("d", "error", 0, now.Add(-time.Hour))))

	stats, err := r.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalAnalyses)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Multiples)
	assert.Equal(t, int64(1), stats.Mistakes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(4), stats.TotalPersons)
	assert.WithinDuration(t, now, stats.LatestAnalysis, time.Second)
}
