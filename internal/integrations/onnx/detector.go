// Package onnx runs YOLO-style detection models through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	"person-detect-go/config"
	"person-detect-go/internal/core/predictor"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Detector is a predictor.Model backed by an ONNX Runtime session with
// pre-bound input and output tensors.
type Detector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	opts         decodeOptions
	ownsEnv      bool
	closed       bool
}

// NewDetector loads the model at cfg.ModelPath. names maps class ids to
// labels; the output tensor is expected as [1, 4+len(names), anchors].
func NewDetector(cfg config.DetectorConfig, names []string) (*Detector, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("onnx detector needs at least one label")
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		ownsEnv = true
	}

	d, err := newDetector(cfg, names)
	if err != nil {
		if ownsEnv {
			_ = ort.DestroyEnvironment()
		}
		return nil, err
	}
	d.ownsEnv = ownsEnv

	log.Infof("ONNX model %s loaded (input %dx%d, %d classes)",
		cfg.ModelPath, cfg.InputWidth, cfg.InputHeight, len(names))
	return d, nil
}

func newDetector(cfg config.DetectorConfig, names []string) (*Detector, error) {
	inputShape := ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth))
	outputShape, err := outputShapeFor(cfg, len(names))
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Detector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		opts: decodeOptions{
			numClasses:  len(names),
			anchors:     int(outputShape[2]),
			inputWidth:  cfg.InputWidth,
			inputHeight: cfg.InputHeight,
			confidence:  cfg.ConfidenceThreshold,
			iou:         cfg.NMSThreshold,
			names:       names,
		},
	}, nil
}

// outputShapeFor reads the output shape from the model and falls back to
// the YOLOv8 layout with strides 8, 16 and 32 for dynamic dimensions. A
// static shape that disagrees with the label count is an error.
func outputShapeFor(cfg config.DetectorConfig, numClasses int) (ort.Shape, error) {
	_, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err == nil {
		for _, info := range outputs {
			if info.Name != cfg.OutputName || len(info.Dimensions) != 3 {
				continue
			}
			static := true
			for _, dim := range info.Dimensions {
				if dim <= 0 {
					static = false
				}
			}
			if static {
				if err := checkOutputShape(info.Dimensions, numClasses); err != nil {
					return nil, fmt.Errorf("labels do not match model %s: %w", cfg.ModelPath, err)
				}
				return info.Dimensions, nil
			}
		}
	} else {
		log.Debugf("Could not read ONNX model info: %v", err)
	}

	anchors := 0
	for _, stride := range []int{8, 16, 32} {
		anchors += (cfg.InputWidth / stride) * (cfg.InputHeight / stride)
	}
	return ort.NewShape(1, int64(4+numClasses), int64(anchors)), nil
}

func sessionOptions(cfg config.DetectorConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if !cfg.UseGPU {
		return options, nil
	}

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		log.Warnf("CUDA provider unavailable, using CPU: %v", err)
		return options, nil
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
		log.Warnf("Failed to configure CUDA provider, using CPU: %v", err)
		return options, nil
	}
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		log.Warnf("Failed to enable CUDA provider, using CPU: %v", err)
		return options, nil
	}
	log.Info("ONNX Runtime uses the CUDA execution provider")
	return options, nil
}

// Detect runs the model over img. Boxes are reported in img coordinates.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]predictor.Observation, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, predictor.ErrInvalidImage
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, predictor.ErrPredictorClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	toTensor(img, d.opts.inputWidth, d.opts.inputHeight, d.inputTensor.GetData())

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx session run: %w", err)
	}

	opts := d.opts
	opts.imageWidth = img.Bounds().Dx()
	opts.imageHeight = img.Bounds().Dy()
	observations, err := decode(d.outputTensor.GetData(), opts)
	if err != nil {
		return nil, fmt.Errorf("unexpected model output: %w", err)
	}
	return observations, nil
}

// Close releases the session, its tensors and, when this detector created
// it, the ONNX environment.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := d.session.Destroy(); err != nil {
		firstErr = err
	}
	if err := d.inputTensor.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.outputTensor.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.ownsEnv {
		if err := ort.DestroyEnvironment(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
