package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/tidwall/gjson"
)

// EventTypeLogicInvocation is the only webhook event the platform expects a result for.
const EventTypeLogicInvocation = "LogicInvocation"

// Errors returned by ParseLogicInvocation.
var (
	ErrInvalidPayload    = errors.New("invalid logic invocation payload")
	ErrMissingInvocation = errors.New("logic invocation is missing invocation data")
)

// LogicInvocation is a parsed platform webhook.
type LogicInvocation struct {
	EventType string
	Event     models.InboundEvent
}

// ParseLogicInvocation reads a platform webhook body of the form
// {"event_type": "...", "data": {"payload": {...}}}. Events other than
// LogicInvocation are returned with only EventType set.
func ParseLogicInvocation(body []byte) (LogicInvocation, error) {
	if !gjson.ValidBytes(body) {
		return LogicInvocation{}, ErrInvalidPayload
	}
	root := gjson.ParseBytes(body)
	inv := LogicInvocation{EventType: root.Get("event_type").String()}
	if inv.EventType != EventTypeLogicInvocation {
		return inv, nil
	}

	payload := root.Get("data.payload")
	if !payload.IsObject() {
		return inv, fmt.Errorf("%w: data.payload is not an object", ErrInvalidPayload)
	}

	invocation := &models.Invocation{
		AppID:        payload.Get("current_application.id").String(),
		AppUserID:    firstKey(payload.Get("users")),
		InvocationID: payload.Get("invocation_data.invocation_id").String(),
		BaseURL:      strings.TrimRight(payload.Get("invocation_data.api.base_url").String(), "/"),
		AuthToken:    payload.Get("invocation_data.auth_token").String(),
	}
	if invocation.InvocationID == "" || invocation.BaseURL == "" {
		return inv, ErrMissingInvocation
	}

	conversationID := payload.Get("current_conversation.id").String()
	if conversationID == "" {
		conversationID = invocation.AppUserID
	}

	part := lastMessagePart(payload)
	event := models.InboundEvent{
		MessageID:        part.Get("id").String(),
		ConversationID:   conversationID,
		RecognizedIntent: partIntent(part),
		Text:             part.Get("content").String(),
		Entities:         partEntities(part.Get("entities")),
		Postback:         partPostback(part.Get("postback")),
		Sender:           partSender(part, payload.Get("users."+gjson.Escape(invocation.AppUserID))),
		Invocation:       invocation,
		ReceivedAt:       time.Now(),
	}
	inv.Event = event
	return inv, nil
}

func firstKey(obj gjson.Result) string {
	var key string
	obj.ForEach(func(k, _ gjson.Result) bool {
		key = k.String()
		return false
	})
	return key
}

// lastMessagePart returns the first part of the newest message.
func lastMessagePart(payload gjson.Result) gjson.Result {
	n := payload.Get("current_conversation.messages.#").Int()
	if n == 0 {
		return gjson.Result{}
	}
	return payload.Get(fmt.Sprintf("current_conversation.messages.%d.parts.0", n-1))
}

// partIntent joins the classification's base and sub type as "base/sub".
func partIntent(part gjson.Result) string {
	base := part.Get("classification.base_type.value").String()
	sub := part.Get("classification.sub_type.value").String()
	switch {
	case base == "":
		return ""
	case sub == "":
		return base
	default:
		return base + "/" + sub
	}
}

// partEntities accepts {"role": [{"value": "x"}, ...]} or {"role": "x"}.
func partEntities(ents gjson.Result) []models.Entity {
	if !ents.IsObject() {
		return nil
	}
	var out []models.Entity
	ents.ForEach(func(role, val gjson.Result) bool {
		if val.IsArray() {
			for _, v := range val.Array() {
				value := v.Get("value").String()
				if !v.IsObject() {
					value = v.String()
				}
				if value != "" {
					out = append(out, models.Entity{Role: role.String(), Value: value})
				}
			}
			return true
		}
		if s := val.String(); s != "" {
			out = append(out, models.Entity{Role: role.String(), Value: s})
		}
		return true
	})
	return out
}

func partPostback(pb gjson.Result) *models.Postback {
	if !pb.Exists() {
		return nil
	}
	payload := pb.Get("payload")
	if !payload.Exists() {
		payload = pb
	}
	postback := &models.Postback{Stream: payload.Get("stream").String()}
	if data, ok := payload.Get("data").Value().(map[string]any); ok {
		postback.Data = data
	}
	if postback.Stream == "" && postback.Data == nil {
		return nil
	}
	return postback
}

// partSender prefers the message part's sender and falls back to the user record.
func partSender(part, user gjson.Result) *models.SenderProfile {
	for _, src := range []gjson.Result{part.Get("sender"), user} {
		first, last := src.Get("first_name").String(), src.Get("last_name").String()
		if first != "" || last != "" {
			return &models.SenderProfile{FirstName: first, LastName: last}
		}
	}
	return nil
}
