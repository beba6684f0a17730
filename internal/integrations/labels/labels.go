// Package labels provides class-name tables for detection models.
package labels

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// coco holds the 80 COCO classes in the order YOLO exports use.
var coco = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// unused COCO ids in the 91-id numbering used by TensorFlow SSD models
var paperGaps = map[int]bool{12: true, 26: true, 29: true, 30: true, 45: true, 66: true, 68: true, 69: true, 71: true, 83: true}

const (
	background = "background"
	unused     = "N/A"
)

// COCO returns the 80 COCO class names indexed by YOLO class id.
func COCO() []string {
	out := make([]string, len(coco))
	copy(out, coco)
	return out
}

// COCOPaper returns the COCO class names indexed by the 91-id numbering of
// TensorFlow SSD models: index 0 is the background class and unused ids are
// "N/A".
func COCOPaper() []string {
	out := make([]string, 0, 91)
	out = append(out, background)
	next := 0
	for id := 1; id <= 90; id++ {
		if paperGaps[id] {
			out = append(out, unused)
			continue
		}
		out = append(out, coco[next])
		next++
	}
	return out
}

// Load reads one label per line. Blank lines and lines starting with '#'
// are skipped.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return names, nil
}

// LoadOr loads path when it is set and returns fallback otherwise.
func LoadOr(path string, fallback []string) ([]string, error) {
	if path == "" {
		return fallback, nil
	}
	return Load(path)
}

// Lookup returns the name of class id. Ids outside the table, the
// background class and unused ids report false.
func Lookup(names []string, id int) (string, bool) {
	if id < 0 || id >= len(names) {
		return "", false
	}
	name := names[id]
	if name == "" || name == background || name == unused {
		return "", false
	}
	return name, true
}
