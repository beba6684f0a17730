package opencv

import (
	"os"
	"runtime"
	"strings"

	"person-detect-go/config"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Backend and target names accepted in the configuration.
const (
	BackendDefault = "default"
	BackendCUDA    = "cuda"
	BackendOpenCL  = "opencl"
	TargetCPU      = "cpu"
	TargetCUDA     = "cuda"
	TargetOpenCL   = "opencl"
)

// selectBackend maps the configuration to a DNN backend and target. With
// backend "default" and use_gpu set, an available GPU is detected.
func selectBackend(cfg config.DetectorConfig) (gocv.NetBackendType, gocv.NetTargetType) {
	backend := gocv.NetBackendDefault
	target := gocv.NetTargetCPU

	configBackend := strings.ToLower(cfg.NetBackend)
	configTarget := strings.ToLower(cfg.NetTarget)

	if configBackend == "" || configBackend == BackendDefault {
		if !cfg.UseGPU {
			return backend, target
		}
		switch {
		case haveNvidiaGPU():
			log.Info("NVIDIA GPU detected, using CUDA backend")
			return gocv.NetBackendCUDA, gocv.NetTargetCUDA
		case haveAMDGPU():
			log.Info("AMD GPU detected, using OpenCL target")
			return gocv.NetBackendOpenCV, gocv.NetTargetFP32
		case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
			log.Info("Apple Silicon detected, using optimised CPU path")
			return backend, target
		}
		log.Warn("GPU use enabled but no supported GPU found, using CPU")
		return backend, target
	}

	switch configBackend {
	case BackendCUDA:
		backend = gocv.NetBackendCUDA
	case BackendOpenCL:
		backend = gocv.NetBackendOpenCV
	default:
		log.Warnf("Unknown DNN backend '%s', using default", configBackend)
	}

	switch configTarget {
	case TargetCUDA:
		target = gocv.NetTargetCUDA
	case TargetOpenCL:
		target = gocv.NetTargetFP32
	case TargetCPU, "":
		target = gocv.NetTargetCPU
	default:
		log.Warnf("Unknown DNN target '%s', using CPU", configTarget)
	}

	return backend, target
}

func haveNvidiaGPU() bool {
	if os.Getenv("NVIDIA_VISIBLE_DEVICES") != "" || os.Getenv("NVIDIA_DRIVER_CAPABILITIES") != "" {
		return true
	}
	for _, path := range []string{
		"/usr/local/cuda/lib64/libcudart.so",
		"/usr/lib/x86_64-linux-gnu/libcuda.so",
		"/usr/lib/libcuda.so",
		"/usr/bin/nvidia-smi",
		"/usr/local/bin/nvidia-smi",
	} {
		if fileExists(path) {
			log.Debugf("Found NVIDIA runtime file: %s", path)
			return true
		}
	}
	return false
}

func haveAMDGPU() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return fileExists("/dev/kfd") || fileExists("/dev/dri/renderD128")
}
