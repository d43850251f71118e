package flow

import (
	"errors"
	"fmt"
	"sort"
)

// MainStream is the implicit classification of unclassified events.
const MainStream = "main"

// Stream is an ordered list of step identifiers. Earlier steps must be
// satisfied before later ones are attempted.
type Stream struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// FlowSpec is the integrator's declaration of a conversation.
// It is not mutated by the engine.
type FlowSpec struct {
	// Main names the default stream.
	Main string `json:"main"`
	// Streams are keyed by stream name.
	Streams map[string]Stream `json:"streams"`
	// Classifications map recognized intents to stream names.
	Classifications map[string]string `json:"classifications,omitempty"`
}

// Stream returns the named stream.
func (s *FlowSpec) Stream(name string) (Stream, bool) {
	st, ok := s.Streams[name]
	if ok && st.Name == "" {
		st.Name = name
	}
	return st, ok
}

// Classify maps an intent to a stream override. Unclassified events and the
// implicit main classification produce no override; they fall through to the
// persisted expectation and then to the main stream.
func (s *FlowSpec) Classify(intent string) (string, bool) {
	if intent == "" {
		return "", false
	}
	name, ok := s.Classifications[intent]
	if !ok || name == "" {
		return "", false
	}
	if name == MainStream {
		name = s.Main
	}
	return name, true
}

// Validate checks that every stream and step the FlowSpec names exists.
func (s *FlowSpec) Validate(reg *Registry) error {
	var errs []error
	if s.Main == "" {
		errs = append(errs, errors.New("main stream not set"))
	} else if _, ok := s.Streams[s.Main]; !ok {
		errs = append(errs, fmt.Errorf("%w: main stream %s", ErrUnknownStream, s.Main))
	}

	names := make([]string, 0, len(s.Streams))
	for name := range s.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Streams[name]
		if st.Name != "" && st.Name != name {
			errs = append(errs, fmt.Errorf("stream %s is declared under key %s", st.Name, name))
		}
		if len(st.Steps) == 0 {
			errs = append(errs, fmt.Errorf("stream %s has no steps", name))
		}
		for _, id := range st.Steps {
			if reg == nil {
				break
			}
			if _, ok := reg.Get(id); !ok {
				errs = append(errs, fmt.Errorf("%w: %s in stream %s", ErrUnknownStep, id, name))
			}
		}
	}

	intents := make([]string, 0, len(s.Classifications))
	for intent := range s.Classifications {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	for _, intent := range intents {
		target := s.Classifications[intent]
		if target == MainStream {
			continue
		}
		if _, ok := s.Streams[target]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s for classification %s", ErrUnknownStream, target, intent))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFlowSpec, errors.Join(errs...))
	}
	return nil
}
