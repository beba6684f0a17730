// Package ssd parses the detection output of SSD-style networks.
package ssd

import (
	"image"
	"math"
	"sort"

	"person-detect-go/internal/core/predictor"
	"person-detect-go/internal/integrations/labels"
)

// RowSize is the length of one detection row:
// [image_id, class_id, confidence, left, top, right, bottom].
const RowSize = 7

// Parse converts detection rows with box coordinates relative to the input
// into observations for an image of width x height. Rows under threshold or
// with unknown classes are dropped. Observations are ordered by confidence.
func Parse(values []float32, names []string, width, height int, threshold float64) []predictor.Observation {
	var observations []predictor.Observation
	for i := 0; i+RowSize <= len(values); i += RowSize {
		row := values[i : i+RowSize]

		confidence := float64(row[2])
		if confidence < threshold {
			continue
		}
		name, ok := labels.Lookup(names, int(row[1]))
		if !ok {
			continue
		}

		observations = append(observations, predictor.Observation{
			Labels: []predictor.Label{{Identifier: name, Confidence: confidence}},
			Box: image.Rect(
				scale(row[3], width),
				scale(row[4], height),
				scale(row[5], width),
				scale(row[6], height),
			),
		})
	}

	sort.SliceStable(observations, func(a, b int) bool {
		return observations[a].Labels[0].Confidence > observations[b].Labels[0].Confidence
	})
	return observations
}

func scale(v float32, size int) int {
	f := math.Max(0, math.Min(1, float64(v)))
	return int(math.Round(f * float64(size)))
}
