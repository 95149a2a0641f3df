package message

import (
	"encoding/json"
	"fmt"
)

// immutableFields can never be changed by a partial update.
var immutableFields = map[string]struct{}{
	"id":        {},
	"timestamp": {},
	"reply":     {},
}

// ApplyPartial merges a partial record into m field by field. Nested objects are
// merged key by key, so updating feedback.rate keeps feedback.reason.
func ApplyPartial(m *Message, partial map[string]any) error {
	if m == nil {
		return fmt.Errorf("apply partial: nil message")
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("apply partial: encode message: %w", err)
	}

	current := map[string]any{}
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("apply partial: decode message: %w", err)
	}

	for key, value := range partial {
		if _, fixed := immutableFields[key]; fixed {
			continue
		}
		current[key] = mergeValue(current[key], value)
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("apply partial: encode merged message: %w", err)
	}

	var next Message
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply partial: %w", err)
	}

	next.ID = m.ID
	next.Timestamp = m.Timestamp
	next.Reply = m.Reply
	*m = next
	return nil
}

func mergeValue(original any, update any) any {
	updateMap, ok := update.(map[string]any)
	if !ok {
		return update
	}
	originalMap, ok := original.(map[string]any)
	if !ok {
		return updateMap
	}

	for key, value := range updateMap {
		originalMap[key] = mergeValue(originalMap[key], value)
	}
	return originalMap
}
