package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/core/processor"
	"person-detect-go/internal/db/repository"
	"person-detect-go/internal/server/sse"
	"person-detect-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxUploadSize caps uploaded images.
const maxUploadSize = 32 << 20

// ConnectionState reports whether an optional integration is connected.
type ConnectionState interface {
	IsConnected() bool
}

// APIHandler serves the analysis, statistics and status endpoints.
type APIHandler struct {
	repo      repository.Repository
	processor *processor.ImageProcessor
	hub       *sse.Hub
	pool      utils.PoolStatser
	mqtt      ConnectionState
}

// NewAPIHandler creates an API handler. hub, pool and mqtt may be nil.
func NewAPIHandler(repo repository.Repository, p *processor.ImageProcessor, hub *sse.Hub, pool utils.PoolStatser, mqtt ConnectionState) *APIHandler {
	return &APIHandler{
		repo:      repo,
		processor: p,
		hub:       hub,
		pool:      pool,
		mqtt:      mqtt,
	}
}

// RegisterRoutes registers the API routes.
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/predict", h.Predict)

	router.GET("/analyses", h.ListAnalyses)
	router.GET("/analyses/:id", h.GetAnalysis)
	router.DELETE("/analyses/:id", h.DeleteAnalysis)

	router.GET("/statistics", h.GetStatistics)
	router.GET("/status", h.GetStatus)
}

// Predict analyses an uploaded image and answers with the stored analysis.
func (h *APIHandler) Predict(c *gin.Context) {
	data, filename, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := c.PostForm("source")
	if source == "" {
		source = "api_upload"
	}

	analysis, err := h.processor.Process(c.Request.Context(), data, filename, source)
	switch {
	case errors.Is(err, predictor.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && analysis != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":        err.Error(),
			"analysis":     analysis,
			"display":      analysis.Display,
			"snapshot_url": h.processor.SnapshotURL(*analysis),
		})
		return
	case err != nil:
		log.Errorf("Image processing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Image processing failed: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":     analysis,
		"display":      analysis.Display,
		"snapshot_url": h.processor.SnapshotURL(*analysis),
	})
}

// ListAnalyses returns stored analyses, newest first.
func (h *APIHandler) ListAnalyses(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
		return
	}

	filter := repository.AnalysisFilter{
		Limit:   limit,
		Offset:  offset,
		Outcome: c.Query("outcome"),
		Source:  c.Query("source"),
	}

	analyses, total, err := h.repo.GetAnalyses(filter)
	if err != nil {
		log.Errorf("Failed to list analyses: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list analyses"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses": analyses,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetAnalysis returns a single analysis.
func (h *APIHandler) GetAnalysis(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	analysis, err := h.repo.GetAnalysisByID(id)
	if err != nil {
		log.Errorf("Failed to load analysis %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load analysis"})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis":     analysis,
		"snapshot_url": h.processor.SnapshotURL(*analysis),
	})
}

// DeleteAnalysis removes an analysis and its snapshot file.
func (h *APIHandler) DeleteAnalysis(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	analysis, err := h.repo.DeleteAnalysis(id)
	if err != nil {
		log.Errorf("Failed to delete analysis %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete analysis"})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
		return
	}

	h.processor.RemoveSnapshot(*analysis)

	c.JSON(http.StatusOK, gin.H{"message": "Analysis deleted", "id": id})
}

// GetStatistics returns outcome counts over all stored analyses.
func (h *APIHandler) GetStatistics(c *gin.Context) {
	stats, err := h.repo.GetStatistics()
	if err != nil {
		log.Errorf("Failed to compute statistics: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetStatus reports system and integration status.
func (h *APIHandler) GetStatus(c *gin.Context) {
	status := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
		"system":    utils.GetSystemStats(h.pool),
	}

	if h.hub != nil {
		status["sse_clients"] = h.hub.ClientCount()
	}

	mqttStatus := gin.H{"enabled": h.mqtt != nil}
	if h.mqtt != nil {
		mqttStatus["connected"] = h.mqtt.IsConnected()
	}
	status["mqtt"] = mqttStatus

	c.JSON(http.StatusOK, status)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return uint(id), true
}

// readUpload reads the multipart "file" field.
func readUpload(c *gin.Context) ([]byte, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("no file uploaded or invalid form data")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read uploaded file: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("uploaded file is empty")
	}
	return data, header.Filename, nil
}
