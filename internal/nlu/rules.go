package nlu

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/BTreeMap/StepFlow/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	namePattern  = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z][A-Za-z'\-]*)(?:\s+([A-Za-z][A-Za-z'\-]*))?`)
	nameWord     = regexp.MustCompile(`^\p{L}[\p{L}'\-.]*$`)
)

// Rule maps any of its keywords to an intent.
type Rule struct {
	Intent   string
	Keywords []string
}

// RuleClassifier is a keyword classifier with regexp entity extraction.
// It never fails on non-empty text.
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier builds a classifier from rules, evaluated in order.
func NewRuleClassifier(rules ...Rule) *RuleClassifier {
	return &RuleClassifier{rules: rules}
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(ctx context.Context, text string, hints []string) (Classification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{}, ErrEmptyText
	}
	res := Classification{Entities: ExtractEntities(text)}

	lower := strings.ToLower(text)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if containsWord(lower, strings.ToLower(kw)) {
				res.Intent = r.Intent
				res.Confidence = 1
				return res, nil
			}
		}
	}

	if len(res.Entities) == 0 && slices.Contains(hints, IntentProvideName) {
		res.Entities = append(res.Entities, bareName(text)...)
	}

	// A message that only supplies an expected entity takes the expected intent.
	for _, hint := range hints {
		if hintSatisfied(hint, res.Entities) {
			res.Intent = hint
			res.Confidence = 0.5
			return res, nil
		}
	}
	return res, nil
}

// ExtractEntities finds e-mail addresses and self-introductions in text.
func ExtractEntities(text string) []models.Entity {
	var out []models.Entity
	if email := emailPattern.FindString(text); email != "" {
		out = append(out, models.Entity{Role: RoleEmail, Value: email})
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		out = append(out, models.Entity{Role: RoleFirstName, Value: m[1]})
		if m[2] != "" {
			out = append(out, models.Entity{Role: RoleLastName, Value: m[2]})
		}
	}
	return out
}

// bareName reads a reply of one to three name-like words as first and last name.
func bareName(text string) []models.Entity {
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > 3 {
		return nil
	}
	for _, w := range words {
		if !nameWord.MatchString(w) {
			return nil
		}
	}
	out := []models.Entity{{Role: RoleFirstName, Value: words[0]}}
	if len(words) > 1 {
		out = append(out, models.Entity{Role: RoleLastName, Value: strings.Join(words[1:], " ")})
	}
	return out
}

func hasNameEntity(entities []models.Entity) bool {
	return slices.ContainsFunc(entities, func(e models.Entity) bool {
		return e.Role == RoleFirstName || e.Role == RoleLastName
	})
}

// hintSatisfied matches "provide/<kind>" hints against extracted entity roles.
func hintSatisfied(hint string, entities []models.Entity) bool {
	if hint == IntentProvideName {
		return hasNameEntity(entities)
	}
	kind, ok := strings.CutPrefix(hint, "provide/")
	if !ok {
		return false
	}
	return slices.ContainsFunc(entities, func(e models.Entity) bool {
		return e.Role == kind || strings.HasPrefix(e.Role, kind+"/")
	})
}

func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	idx := strings.Index(text, word)
	for idx >= 0 {
		before := idx == 0 || !isWordChar(text[idx-1])
		end := idx + len(word)
		after := end == len(text) || !isWordChar(text[end])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return false
}

func isWordChar(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
