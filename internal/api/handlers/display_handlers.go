package handlers

import (
	"context"
	"net/http"

	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/core/viewmodel"

	"github.com/gin-gonic/gin"
)

// DisplayHandler feeds uploaded images to the shared display view-model.
type DisplayHandler struct {
	ctx     context.Context
	display *viewmodel.ViewModel
}

// NewDisplayHandler creates a display handler. ctx bounds submissions, which
// outlive the request that started them.
func NewDisplayHandler(ctx context.Context, display *viewmodel.ViewModel) *DisplayHandler {
	return &DisplayHandler{ctx: ctx, display: display}
}

// RegisterRoutes registers the display routes.
func (h *DisplayHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/display", h.Submit)
	router.GET("/display", h.Get)
}

// Submit replaces the current display submission with the uploaded image.
func (h *DisplayHandler) Submit(c *gin.Context) {
	data, _, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	img, _, err := predictor.DecodeBytes(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.display.Picked(h.ctx, img)

	c.JSON(http.StatusAccepted, h.display.State())
}

// Get returns the current display state.
func (h *DisplayHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.display.State())
}
