// Package nlu classifies free-text messages into intents and extracts entities.
//
// The flow engine treats classification as an external collaborator: it asks a
// Classifier only when an inbound event carries text but no recognized intent.
package nlu

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// Entity roles recognized by the built-in extractors.
const (
	RoleEmail     = "email/email"
	RoleFirstName = "firstName"
	RoleLastName  = "lastName"
)

// IntentProvideName is the hint under which a bare "First Last" message is
// read as a name.
const IntentProvideName = "provide/name"

var (
	// ErrEmptyText is returned when there is nothing to classify.
	ErrEmptyText = errors.New("text to classify is empty")
	// ErrNoChoicesReturned is returned when the model produced no answer.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMalformedAnswer is returned when the model answer is not the expected JSON.
	ErrMalformedAnswer = errors.New("malformed classifier answer")
)

// Classification is the outcome of classifying one message.
// An empty Intent means the message was not recognized.
type Classification struct {
	Intent     string          `json:"intent,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Entities   []models.Entity `json:"entities,omitempty"`
}

// Classifier recognizes intents in free text. hints lists the intent labels
// the conversation currently expects, most likely first.
type Classifier interface {
	Classify(ctx context.Context, text string, hints []string) (Classification, error)
}

// ChainClassifier tries Primary and falls back to Fallback when Primary fails.
type ChainClassifier struct {
	Primary  Classifier
	Fallback Classifier
}

// Classify implements Classifier.
func (c ChainClassifier) Classify(ctx context.Context, text string, hints []string) (Classification, error) {
	if c.Primary != nil {
		res, err := c.Primary.Classify(ctx, text, hints)
		if err == nil {
			return res, nil
		}
		slog.Warn("ChainClassifier Classify: primary failed, using fallback", "error", err)
	}
	if c.Fallback == nil {
		return Classification{}, errors.New("no classifier available")
	}
	return c.Fallback.Classify(ctx, text, hints)
}
