package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Analysis is one processed submission and its verdict.
type Analysis struct {
	gorm.Model
	FilePath    string      `gorm:"index" json:"file_path"`    // relative to the snapshot directory
	FileName    string      `json:"file_name,omitempty"`       // name given by the uploader
	ContentHash string      `gorm:"index" json:"content_hash"` // sha256, used for deduplication
	Source      string      `gorm:"index" json:"source"`       // api_upload, mqtt:<topic>, ...
	Timestamp   time.Time   `gorm:"index" json:"timestamp"`
	Outcome     string      `gorm:"index" json:"outcome"` // mistake, success, multiple, error
	PersonCount int         `json:"person_count"`
	Display     string      `json:"display"`
	Error       string      `json:"error,omitempty"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	DurationMS  int64       `json:"duration_ms"`
	Detections  []Detection `gorm:"foreignKey:AnalysisID;constraint:OnDelete:CASCADE;" json:"detections"`
	// Items as returned by the predictor, kept verbatim
	RawItems datatypes.JSON `gorm:"type:json;null" json:"raw_items,omitempty"`
}

// Detection is one labelled object of an analysis, in model order.
type Detection struct {
	gorm.Model
	AnalysisID uint    `gorm:"index;not null" json:"analysis_id"`
	Position   int     `json:"position"`
	Label      string  `gorm:"index" json:"label"`
	Confidence float64 `json:"confidence"`
}

// Statistics summarises the stored analyses.
type Statistics struct {
	TotalAnalyses  int64     `json:"total_analyses"`
	Successes      int64     `json:"successes"`
	Mistakes       int64     `json:"mistakes"`
	Multiples      int64     `json:"multiples"`
	Failures       int64     `json:"failures"`
	TotalPersons   int64     `json:"total_persons"`
	LatestAnalysis time.Time `json:"latest_analysis"`
}
