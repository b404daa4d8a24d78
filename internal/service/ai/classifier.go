package ai

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ViolationKind is the closed set of upstream failure categories.
type ViolationKind int

const (
	// KindNone means the call succeeded.
	KindNone ViolationKind = iota
	// KindOutput means the generated reply was rejected by moderation.
	KindOutput
	// KindInput means the latest user input was rejected by moderation.
	KindInput
	// KindHistory means the accumulated history was rejected by moderation.
	KindHistory
	// KindTransient covers everything that is not a moderation verdict.
	KindTransient
)

func (k ViolationKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOutput:
		return "output"
	case KindInput:
		return "input"
	case KindHistory:
		return "history"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Classifier maps a raw upstream error to a ViolationKind.
type Classifier interface {
	Classify(err error) ViolationKind
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) ViolationKind

func (f ClassifierFunc) Classify(err error) ViolationKind { return f(err) }

// SubstringClassifier classifies by matching fragments of the error text.
//
// When Moderation is non-empty an error must contain one of its markers to be
// treated as a moderation verdict at all; everything else is KindTransient.
// A moderation verdict naming no role is KindHistory. With Moderation empty
// every error is a moderation verdict.
type SubstringClassifier struct {
	Moderation []string
	Output     []string
	Input      []string
	History    []string
}

// Classify checks Output, Input and History markers in that order.
func (c SubstringClassifier) Classify(err error) ViolationKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	text := err.Error()
	if len(c.Moderation) > 0 && !containsAny(text, c.Moderation) {
		return KindTransient
	}

	switch {
	case containsAny(text, c.Output):
		return KindOutput
	case containsAny(text, c.Input):
		return KindInput
	default:
		return KindHistory
	}
}

// ZhipuClassifier understands errors annotated by the Zhipu content-filter
// transport: "[contentFilter role=user]" and friends. The transport also marks
// 1301 errors that carry no role.
func ZhipuClassifier() SubstringClassifier {
	return SubstringClassifier{
		Moderation: []string{contentFilterMarker},
		Output:     []string{"role=assistant"},
		Input:      []string{"role=user"},
		History:    []string{"role=history"},
	}
}

// ArkClassifier understands Volcengine Ark sensitive-content error codes.
func ArkClassifier() SubstringClassifier {
	return SubstringClassifier{
		Moderation: []string{"SensitiveContentDetected"},
		Output:     []string{"OutputTextSensitiveContentDetected", "OutputImageSensitiveContentDetected"},
		Input:      []string{"InputTextSensitiveContentDetected", "InputImageSensitiveContentDetected"},
	}
}

// LegacyClassifier matches bare role words: "assistant" is an output
// violation, "user" an input violation and any other error wipes history.
func LegacyClassifier() SubstringClassifier {
	return SubstringClassifier{
		Output: []string{"assistant"},
		Input:  []string{"user"},
	}
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
