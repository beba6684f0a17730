package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/core/processor"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// WebhookHandler accepts images pushed by other systems as JSON.
type WebhookHandler struct {
	processor *processor.ImageProcessor
	client    *http.Client
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(p *processor.ImageProcessor) *WebhookHandler {
	return &WebhookHandler{
		processor: p,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// WebhookRequest carries the image either inline or as a URL to fetch.
type WebhookRequest struct {
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Source      string `json:"source,omitempty"`
	CameraName  string `json:"camera_name,omitempty"`
}

// RegisterRoutes registers the webhook route.
func (h *WebhookHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhook", h.Receive)
}

// Receive processes a webhook request like an upload.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Errorf("Failed to parse webhook request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if req.ImageURL == "" && req.ImageBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_url or image_base64 is required"})
		return
	}

	source := req.Source
	if source == "" {
		source = "webhook"
	}
	if req.CameraName != "" {
		source += ":" + req.CameraName
	}

	var data []byte
	var err error
	if req.ImageBase64 != "" {
		data, err = decodeBase64Image(req.ImageBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid base64 image"})
			return
		}
	} else {
		data, err = h.download(c.Request.Context(), req.ImageURL)
		if err != nil {
			log.Errorf("Failed to download webhook image: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("Failed to download image: %v", err)})
			return
		}
	}

	analysis, err := h.processor.Process(c.Request.Context(), data, "", source)
	if errors.Is(err, predictor.ErrInvalidImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Image processing failed: %v", err)})
		return
	}

	status := http.StatusOK
	resp := gin.H{
		"analysis_id": analysis.ID,
		"outcome":     analysis.Outcome,
		"display":     analysis.Display,
	}
	if err != nil {
		status = http.StatusInternalServerError
		resp["error"] = err.Error()
	}
	c.JSON(status, resp)
}

func (h *WebhookHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUploadSize))
}

// decodeBase64Image accepts plain base64 or a data URL.
func decodeBase64Image(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
