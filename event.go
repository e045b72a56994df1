package seshat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validatedEvent is an event that passed enqueue validation, with its
// derived index fields precomputed.
type validatedEvent struct {
	event       Event
	indexable   bool
	indexedText string
	mxcURL      *string
}

// validateEvent enforces the enqueue rule: the required top-level fields
// must be present and content must be a JSON object. A well-formed event
// whose content carries none of body/topic/name as a string is accepted
// but marked non-indexable; it is persisted and skipped by the index.
func validateEvent(event Event) (*validatedEvent, error) {
	if event.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	if event.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrInvalidEvent)
	}
	if event.RoomID == "" {
		return nil, fmt.Errorf("%w: missing room_id", ErrInvalidEvent)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if event.ServerTS <= 0 {
		return nil, fmt.Errorf("%w: missing origin_server_ts", ErrInvalidEvent)
	}
	var content map[string]json.RawMessage
	if len(event.Content) == 0 || json.Unmarshal(event.Content, &content) != nil || content == nil {
		return nil, fmt.Errorf("%w: content must be a JSON object", ErrInvalidEvent)
	}

	// Indexed text is the concatenation of body, topic, and name, in that
	// order, for whichever are present as strings.
	var parts []string
	for _, key := range []string{"body", "topic", "name"} {
		if raw, ok := content[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				parts = append(parts, s)
			}
		}
	}
	ve := &validatedEvent{
		event:       event,
		indexable:   len(parts) > 0,
		indexedText: strings.Join(parts, " "),
	}
	if raw, ok := content["url"]; ok {
		var url string
		if json.Unmarshal(raw, &url) == nil && url != "" {
			ve.mxcURL = &url
		}
	}
	return ve, nil
}

// decodeEventBlob turns a stored (possibly sealed) content blob back into
// the original event.
func decodeEventBlob(crypto *cryptoState, blob []byte) (Event, error) {
	raw, err := crypto.open(blob)
	if err != nil {
		return Event{}, err
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: corrupted event payload: %w", ErrStoreFailure, err)
	}
	return event, nil
}
