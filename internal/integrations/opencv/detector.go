// Package opencv runs detection networks through the OpenCV DNN module.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"person-detect-go/config"
	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/integrations/opencv/ssd"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// SSD MobileNet input normalisation to [-1,1]
const (
	blobScale = 1.0 / 127.5
	blobMean  = 127.5
)

// Detector is a predictor.Model backed by a gocv.Net that produces
// SSD-style detection rows.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	names     []string
	width     int
	height    int
	threshold float64
	closed    bool
}

// NewDetector loads cfg.ModelPath (and cfg.ConfigPath when set) and selects
// the DNN backend. names maps class ids to labels.
func NewDetector(cfg config.DetectorConfig, names []string) (*Detector, error) {
	if !fileExists(cfg.ModelPath) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}
	if cfg.ConfigPath != "" && !fileExists(cfg.ConfigPath) {
		return nil, fmt.Errorf("model config file not found: %s", cfg.ConfigPath)
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("could not load DNN model: %s", cfg.ModelPath)
	}

	backend, target := selectBackend(cfg)
	if err := net.SetPreferableBackend(backend); err != nil {
		log.Warnf("Failed to set DNN backend %v: %v", backend, err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		log.Warnf("Failed to set DNN target %v: %v", target, err)
	}

	log.Infof("OpenCV model %s loaded with backend %v and target %v", cfg.ModelPath, backend, target)

	return &Detector{
		net:       net,
		names:     names,
		width:     cfg.InputWidth,
		height:    cfg.InputHeight,
		threshold: cfg.ConfidenceThreshold,
	}, nil
}

// Detect runs the network over img. The image is stretched to the input
// size without cropping.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]predictor.Observation, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, predictor.ErrInvalidImage
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", predictor.ErrInvalidImage, err)
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, predictor.ErrPredictorClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(mat, blobScale, image.Pt(d.width, d.height),
		gocv.NewScalar(blobMean, blobMean, blobMean, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	if prob.Empty() {
		return nil, fmt.Errorf("network returned no output")
	}

	rows := prob.Reshape(1, prob.Total()/ssd.RowSize)
	defer rows.Close()

	values := make([]float32, 0, rows.Rows()*ssd.RowSize)
	for i := 0; i < rows.Rows(); i++ {
		for j := 0; j < ssd.RowSize; j++ {
			values = append(values, rows.GetFloatAt(i, j))
		}
	}

	observations := ssd.Parse(values, d.names, img.Bounds().Dx(), img.Bounds().Dy(), d.threshold)
	log.Debugf("OpenCV: %d observations", len(observations))
	return observations, nil
}

// Close releases the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
