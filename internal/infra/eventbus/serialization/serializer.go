// Package serialization converts domain events to and from their JSON wire
// form. Every payload travels inside a universal envelope carrying the event
// type, so consumers can route bytes to the right decoder without knowing the
// topic layout.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/sparkai/dispatch/internal/domain/events"
	"github.com/sparkai/dispatch/internal/domain/review"
)

// universalEnvelope is the wire frame for every published event.
type universalEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// payloadDecoders maps each event type to its concrete payload decoder.
var payloadDecoders = map[events.EventType]func([]byte) (any, error){
	review.EventTypeTaskEnqueued:       decodeInto[review.TaskEnqueuedEvent],
	review.EventTypeTaskAssigned:       decodeInto[review.TaskAssignedEvent],
	review.EventTypeTaskStarted:        decodeInto[review.TaskStartedEvent],
	review.EventTypeTaskCompleted:      decodeInto[review.TaskCompletedEvent],
	review.EventTypeTaskFailed:         decodeInto[review.TaskFailedEvent],
	review.EventTypeTaskRequeued:       decodeInto[review.TaskRequeuedEvent],
	review.EventTypeTaskTimedOut:       decodeInto[review.TaskTimedOutEvent],
	review.EventTypeDeadlineWarning:    decodeInto[review.DeadlineWarningEvent],
	review.EventTypeReviewerPresence:   decodeInto[review.ReviewerPresenceChangedEvent],
	review.EventTypeReviewerStrike:     decodeInto[review.ReviewerStrikeEvent],
	review.EventTypeReviewerSuspended:  decodeInto[review.ReviewerSuspendedEvent],
}

func decodeInto[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SerializeEventEnvelope wraps a domain payload in the universal envelope and
// returns the wire bytes.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}
	return json.Marshal(universalEnvelope{
		EventType: string(eventType),
		Payload:   raw,
	})
}

// UnmarshalUniversalEnvelope splits wire bytes into the event type and the
// raw payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal universal envelope: %w", err)
	}
	if env.EventType == "" {
		return "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return events.EventType(env.EventType), env.Payload, nil
}

// DeserializePayload decodes raw payload bytes into the concrete domain event
// for the given type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	decode, ok := payloadDecoders[eventType]
	if !ok {
		return nil, fmt.Errorf("no decoder registered for event type %s", eventType)
	}
	payload, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", eventType, err)
	}
	return payload, nil
}
