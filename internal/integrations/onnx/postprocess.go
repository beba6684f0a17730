package onnx

import (
	"fmt"
	"image"
	"math"
	"sort"

	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/integrations/labels"
)

type candidate struct {
	box    rect
	score  float32
	labels []predictor.Label
}

type rect struct {
	x, y, w, h float64
}

func (r rect) area() float64 { return r.w * r.h }

// decodeOptions describes the YOLO output layout and how to map boxes back
// to the source image.
type decodeOptions struct {
	numClasses  int
	anchors     int // expected anchor count, 0 when unknown
	inputWidth  int
	inputHeight int
	imageWidth  int
	imageHeight int
	confidence  float64
	iou         float64
	names       []string
}

// checkOutputShape verifies that a static [1, 4+classes, anchors] output
// matches the label count.
func checkOutputShape(dims []int64, numClasses int) error {
	if len(dims) != 3 {
		return fmt.Errorf("expected a 3-dimensional output, model has %v", dims)
	}
	if want := int64(4 + numClasses); dims[1] != want {
		return fmt.Errorf("model outputs %d rows per anchor (%d classes) but %d labels are configured",
			dims[1], dims[1]-4, numClasses)
	}
	return nil
}

// decode turns a [4+classes, anchors] YOLO output into observations. Every
// anchor whose best class reaches the confidence threshold becomes a
// candidate carrying all classes above the threshold, best first. Candidates
// are then reduced by greedy non-maximum suppression and returned by
// descending score.
func decode(output []float32, opts decodeOptions) ([]predictor.Observation, error) {
	rows := 4 + opts.numClasses
	switch {
	case opts.numClasses <= 0:
		return nil, fmt.Errorf("no classes configured")
	case len(opts.names) < opts.numClasses:
		return nil, fmt.Errorf("%d classes but only %d labels", opts.numClasses, len(opts.names))
	case len(output) < rows || len(output)%rows != 0:
		return nil, fmt.Errorf("output of %d values does not fit %d rows per anchor", len(output), rows)
	case opts.anchors > 0 && len(output) != rows*opts.anchors:
		return nil, fmt.Errorf("output of %d values, want %d rows x %d anchors", len(output), rows, opts.anchors)
	}
	anchors := len(output) / rows

	scaleX := float64(opts.imageWidth) / float64(opts.inputWidth)
	scaleY := float64(opts.imageHeight) / float64(opts.inputHeight)

	var candidates []candidate
	for i := 0; i < anchors; i++ {
		var found []predictor.Label
		var best float32
		for c := 0; c < opts.numClasses; c++ {
			score := output[(4+c)*anchors+i]
			if float64(score) < opts.confidence {
				continue
			}
			name, _ := labels.Lookup(opts.names, c)
			found = append(found, predictor.Label{Identifier: name, Confidence: float64(score)})
			if score > best {
				best = score
			}
		}
		if len(found) == 0 {
			continue
		}
		sort.SliceStable(found, func(a, b int) bool {
			return found[a].Confidence > found[b].Confidence
		})

		xc := float64(output[i])
		yc := float64(output[anchors+i])
		w := float64(output[2*anchors+i])
		h := float64(output[3*anchors+i])

		candidates = append(candidates, candidate{
			box: rect{
				x: (xc - w/2) * scaleX,
				y: (yc - h/2) * scaleY,
				w: w * scaleX,
				h: h * scaleY,
			},
			score:  best,
			labels: found,
		})
	}

	kept := nonMaxSuppression(candidates, opts.iou)

	observations := make([]predictor.Observation, 0, len(kept))
	for _, c := range kept {
		observations = append(observations, predictor.Observation{
			Labels: c.labels,
			Box:    c.box.toRectangle(opts.imageWidth, opts.imageHeight),
		})
	}
	return observations, nil
}

// nonMaxSuppression keeps the best candidate of every group overlapping by
// more than threshold.
func nonMaxSuppression(candidates []candidate, threshold float64) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	suppressed := make([]bool, len(candidates))
	var kept []candidate
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])
		for j := i + 1; j < len(candidates); j++ {
			if !suppressed[j] && iou(candidates[i].box, candidates[j].box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b rect) float64 {
	x1 := math.Max(a.x, b.x)
	y1 := math.Max(a.y, b.y)
	x2 := math.Min(a.x+a.w, b.x+b.w)
	y2 := math.Min(a.y+a.h, b.y+b.h)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.area() + b.area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (r rect) toRectangle(maxW, maxH int) image.Rectangle {
	clamp := func(v float64, hi int) int {
		return int(math.Max(0, math.Min(math.Round(v), float64(hi))))
	}
	return image.Rect(clamp(r.x, maxW), clamp(r.y, maxH), clamp(r.x+r.w, maxW), clamp(r.y+r.h, maxH))
}
