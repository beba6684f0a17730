package processor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"time"

	"person-detect-go/internal/core/formatter"
	"person-detect-go/internal/core/models"
	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/db/repository"
	"person-detect-go/internal/integrations/mqtt"
	"person-detect-go/internal/util/timezone"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Predictor is the part of predictor.Predictor the processor needs.
type Predictor interface {
	Predict(ctx context.Context, img image.Image) <-chan predictor.Result
}

// Broadcaster announces stored analyses, e.g. the SSE hub.
type Broadcaster interface {
	BroadcastAnalysis(analysis models.Analysis, snapshotURL string)
}

// VerdictPublisher publishes verdicts, e.g. the MQTT client.
type VerdictPublisher interface {
	PublishVerdict(v mqtt.Verdict) error
}

// Options configures an ImageProcessor. Broadcaster and Publisher are optional.
type Options struct {
	SnapshotDir string
	SnapshotURL string
	Broadcaster Broadcaster
	Publisher   VerdictPublisher
}

// ImageProcessor stores a submitted image, runs the predictor over it and
// records the formatted verdict.
type ImageProcessor struct {
	repo      repository.Repository
	predictor Predictor
	formatter *formatter.Formatter
	opts      Options
}

// NewImageProcessor creates a processor.
func NewImageProcessor(repo repository.Repository, p Predictor, f *formatter.Formatter, opts Options) *ImageProcessor {
	return &ImageProcessor{
		repo:      repo,
		predictor: p,
		formatter: f,
		opts:      opts,
	}
}

// Process analyses one image payload. Identical content that was analysed
// successfully before is answered from the database. Undecodable payloads
// return predictor.ErrInvalidImage without being stored. Inference failures
// are stored with outcome "error" and also returned.
func (p *ImageProcessor) Process(ctx context.Context, data []byte, filename, source string) (*models.Analysis, error) {
	start := timezone.Now()
	hash := fmt.Sprintf("%x", sha256.Sum256(data))

	existing, err := p.repo.FindAnalysisByHash(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up previous analysis: %w", err)
	}
	if existing != nil {
		log.Infof("Image with hash %s already analysed (ID: %d), skipping", hash[:12], existing.ID)
		return existing, nil
	}

	img, format, err := predictor.DecodeBytes(data)
	if err != nil {
		return nil, err
	}

	relPath, err := p.saveSnapshot(data, format)
	if err != nil {
		return nil, err
	}

	log.Infof("Analysing image %s from source %s", relPath, source)

	res := <-p.predictor.Predict(ctx, img)

	analysis := &models.Analysis{
		FilePath:    relPath,
		FileName:    filename,
		ContentHash: hash,
		Source:      source,
		Timestamp:   start,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}

	var summary formatter.Summary
	if res.Err != nil {
		summary = p.formatter.Failure()
		analysis.Error = res.Err.Error()
	} else {
		summary = p.formatter.Summarize(res.Prediction)
		p.attachItems(analysis, res.Prediction.Items)
	}
	analysis.Outcome = string(summary.Outcome)
	analysis.PersonCount = summary.PersonCount
	analysis.Display = summary.Display
	analysis.DurationMS = time.Since(start).Milliseconds()

	if err := p.repo.SaveAnalysis(analysis); err != nil {
		p.RemoveSnapshot(*analysis)
		return nil, fmt.Errorf("failed to store analysis: %w", err)
	}

	log.WithFields(log.Fields{
		"id":      analysis.ID,
		"source":  source,
		"outcome": analysis.Outcome,
		"persons": analysis.PersonCount,
	}).Info("Analysis stored")

	p.announce(*analysis)

	if res.Err != nil {
		return analysis, fmt.Errorf("prediction failed: %w", res.Err)
	}
	return analysis, nil
}

// HandleSnapshot processes an image received over MQTT.
func (p *ImageProcessor) HandleSnapshot(ctx context.Context, topic string, payload []byte) error {
	_, err := p.Process(ctx, payload, "", "mqtt:"+topic)
	if errors.Is(err, predictor.ErrInvalidImage) {
		log.Warnf("Ignoring non-image payload on %s: %v", topic, err)
		return nil
	}
	return err
}

// SnapshotURL is the public URL of a stored snapshot.
func (p *ImageProcessor) SnapshotURL(a models.Analysis) string {
	return path.Join("/", p.opts.SnapshotURL, filepath.ToSlash(a.FilePath))
}

// RemoveSnapshot deletes the snapshot file of a deleted analysis.
func (p *ImageProcessor) RemoveSnapshot(a models.Analysis) {
	if a.FilePath == "" {
		return
	}
	full := filepath.Join(p.opts.SnapshotDir, a.FilePath)
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to delete snapshot file '%s': %v", full, err)
	}
}

func (p *ImageProcessor) attachItems(analysis *models.Analysis, items []predictor.Item) {
	for i, item := range items {
		analysis.Detections = append(analysis.Detections, models.Detection{
			Position:   i,
			Label:      item.Name,
			Confidence: item.Confidence,
		})
	}
	raw, err := json.Marshal(items)
	if err != nil {
		log.Errorf("Failed to marshal prediction items: %v", err)
		return
	}
	analysis.RawItems = datatypes.JSON(raw)
}

func (p *ImageProcessor) announce(analysis models.Analysis) {
	if p.opts.Broadcaster != nil {
		p.opts.Broadcaster.BroadcastAnalysis(analysis, p.SnapshotURL(analysis))
	}
	if p.opts.Publisher != nil {
		verdict := mqtt.Verdict{
			AnalysisID:  analysis.ID,
			Source:      analysis.Source,
			Outcome:     analysis.Outcome,
			PersonCount: analysis.PersonCount,
			Display:     analysis.Display,
			Error:       analysis.Error,
			Timestamp:   analysis.Timestamp,
		}
		if err := p.opts.Publisher.PublishVerdict(verdict); err != nil {
			log.WithError(err).Warn("Failed to publish verdict")
		}
	}
}

// saveSnapshot writes data below the snapshot directory and returns the path
// relative to it.
func (p *ImageProcessor) saveSnapshot(data []byte, format string) (string, error) {
	now := timezone.Now()
	relPath := filepath.Join(now.Format("20060102"),
		fmt.Sprintf("%s_%s.%s", now.Format("150405"), uuid.NewString()[:8], extension(format)))
	fullPath := filepath.Join(p.opts.SnapshotDir, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return relPath, nil
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "img"
	default:
		return format
	}
}
