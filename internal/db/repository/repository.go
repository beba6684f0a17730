package repository

import (
	"errors"
	"fmt"
	"time"

	"person-detect-go/internal/core/models"

	"gorm.io/gorm"
)

// Repository is the storage interface for analyses.
type Repository interface {
	SaveAnalysis(analysis *models.Analysis) error
	GetAnalysisByID(id uint) (*models.Analysis, error)
	FindAnalysisByHash(hash string) (*models.Analysis, error)
	GetAnalyses(filter AnalysisFilter) ([]models.Analysis, int64, error)
	DeleteAnalysis(id uint) (*models.Analysis, error)
	DeleteOlderThan(cutoff time.Time) ([]models.Analysis, error)
	GetStatistics() (models.Statistics, error)
}

// AnalysisFilter selects a page of analyses, newest first.
type AnalysisFilter struct {
	Limit   int
	Offset  int
	Outcome string // empty for all
	Source  string // empty for all
}

// SQLiteRepository implements Repository with gorm.
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository on an open database.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveAnalysis stores an analysis together with its detections.
func (r *SQLiteRepository) SaveAnalysis(analysis *models.Analysis) error {
	return r.db.Create(analysis).Error
}

// GetAnalysisByID loads an analysis with its detections. A missing row is
// reported as (nil, nil).
func (r *SQLiteRepository) GetAnalysisByID(id uint) (*models.Analysis, error) {
	var analysis models.Analysis
	result := r.db.Preload("Detections", orderByPosition).First(&analysis, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &analysis, nil
}

// FindAnalysisByHash returns the newest analysis of identical content that
// did not fail, or (nil, nil).
func (r *SQLiteRepository) FindAnalysisByHash(hash string) (*models.Analysis, error) {
	var analysis models.Analysis
	result := r.db.Preload("Detections", orderByPosition).
		Where("content_hash = ? AND outcome <> ?", hash, "error").
		Order("id DESC").
		First(&analysis)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &analysis, nil
}

// GetAnalyses returns a page of analyses and the total matching count.
func (r *SQLiteRepository) GetAnalyses(filter AnalysisFilter) ([]models.Analysis, int64, error) {
	query := r.db.Model(&models.Analysis{})
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", filter.Outcome)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var analyses []models.Analysis
	result := query.Preload("Detections", orderByPosition).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&analyses)
	if result.Error != nil {
		return nil, 0, result.Error
	}
	return analyses, total, nil
}

// DeleteAnalysis removes an analysis and its detections and returns what was
// deleted so the caller can remove the snapshot file. Missing rows give (nil, nil).
func (r *SQLiteRepository) DeleteAnalysis(id uint) (*models.Analysis, error) {
	analysis, err := r.GetAnalysisByID(id)
	if err != nil || analysis == nil {
		return nil, err
	}
	if err := r.db.Transaction(func(tx *gorm.DB) error {
		return deleteAnalyses(tx, []uint{analysis.ID})
	}); err != nil {
		return nil, fmt.Errorf("failed to delete analysis %d: %w", id, err)
	}
	return analysis, nil
}

// DeleteOlderThan removes every analysis created before cutoff.
func (r *SQLiteRepository) DeleteOlderThan(cutoff time.Time) ([]models.Analysis, error) {
	var old []models.Analysis
	if err := r.db.Where("created_at < ?", cutoff).Find(&old).Error; err != nil {
		return nil, fmt.Errorf("failed to find old analyses: %w", err)
	}
	if len(old) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(old))
	for i, a := range old {
		ids[i] = a.ID
	}
	if err := r.db.Transaction(func(tx *gorm.DB) error {
		return deleteAnalyses(tx, ids)
	}); err != nil {
		return nil, err
	}
	return old, nil
}

func deleteAnalyses(tx *gorm.DB, ids []uint) error {
	if err := tx.Unscoped().Where("analysis_id IN ?", ids).Delete(&models.Detection{}).Error; err != nil {
		return fmt.Errorf("failed to delete detections: %w", err)
	}
	if err := tx.Unscoped().Delete(&models.Analysis{}, ids).Error; err != nil {
		return fmt.Errorf("failed to delete analyses: %w", err)
	}
	return nil
}

// GetStatistics counts analyses per outcome.
func (r *SQLiteRepository) GetStatistics() (models.Statistics, error) {
	var stats models.Statistics

	if err := r.db.Model(&models.Analysis{}).Count(&stats.TotalAnalyses).Error; err != nil {
		return stats, err
	}

	var rows []struct {
		Outcome string
		Count   int64
		Persons int64
	}
	if err := r.db.Model(&models.Analysis{}).
		Select("outcome, COUNT(*) AS count, COALESCE(SUM(person_count), 0) AS persons").
		Group("outcome").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		switch row.Outcome {
		case "success":
			stats.Successes = row.Count
		case "mistake":
			stats.Mistakes = row.Count
		case "multiple":
			stats.Multiples = row.Count
		case "error":
			stats.Failures = row.Count
		}
		stats.TotalPersons += row.Persons
	}

	var latest models.Analysis
	if err := r.db.Order("timestamp DESC").First(&latest).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return stats, err
		}
	} else {
		stats.LatestAnalysis = latest.Timestamp
	}

	return stats, nil
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}
