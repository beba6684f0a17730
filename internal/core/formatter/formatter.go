// Package formatter turns a prediction into the display text shown to the user.
package formatter

import (
	"fmt"
	"strings"

	"person-detect-go/internal/core/predictor"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTargetLabel is the label whose count decides the outcome.
const DefaultTargetLabel = "person"

// Outcome is the verdict derived from the number of target-label detections.
type Outcome string

const (
	OutcomeMistake  Outcome = "mistake"  // no target detected
	OutcomeSuccess  Outcome = "success"  // exactly one
	OutcomeMultiple Outcome = "multiple" // two or more
	OutcomeError    Outcome = "error"    // inference failed, no verdict
)

// Terminal lines appended after the per-item lines.
const (
	MistakeLine  = "MISTAKE"
	SuccessLine  = "SUCCESS"
	MultipleLine = "MORE THAN ONE PERSON"
	FailureLine  = "INFERENCE FAILED"
)

// Summary is a formatted prediction.
type Summary struct {
	Display     string  `json:"display"`
	PersonCount int     `json:"person_count"`
	Outcome     Outcome `json:"outcome"`
}

// Formatter builds display strings for a fixed target label. It is safe for
// concurrent use.
type Formatter struct {
	target string
}

// New returns a Formatter counting target. An empty target means "person".
func New(target string) *Formatter {
	if target == "" {
		target = DefaultTargetLabel
	}
	return &Formatter{target: target}
}

// Target returns the label being counted.
func (f *Formatter) Target() string {
	return f.target
}

// Summarize formats every item and appends the single terminal line.
func (f *Formatter) Summarize(p predictor.Prediction) Summary {
	var b strings.Builder
	// a Caser holds state and must not be shared between goroutines
	caser := cases.Title(language.Und)

	count := 0
	for _, item := range p.Items {
		fmt.Fprintf(&b, "%s detected\nwith %.2f confidence.\n", caser.String(item.Name), item.Confidence)
		if item.Name == f.target {
			count++
		}
	}

	outcome := OutcomeFor(count)
	b.WriteString("\n")
	b.WriteString(terminalLine(outcome))

	return Summary{
		Display:     b.String(),
		PersonCount: count,
		Outcome:     outcome,
	}
}

// Format returns only the display string of Summarize.
func (f *Formatter) Format(p predictor.Prediction) string {
	return f.Summarize(p).Display
}

// Failure is the summary shown when the prediction could not be made.
func (f *Formatter) Failure() Summary {
	return Summary{
		Display: "\n" + FailureLine,
		Outcome: OutcomeError,
	}
}

// OutcomeFor maps a target count to its outcome.
func OutcomeFor(count int) Outcome {
	switch {
	case count <= 0:
		return OutcomeMistake
	case count == 1:
		return OutcomeSuccess
	default:
		return OutcomeMultiple
	}
}

func terminalLine(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return SuccessLine
	case OutcomeMultiple:
		return MultipleLine
	case OutcomeError:
		return FailureLine
	default:
		return MistakeLine
	}
}
