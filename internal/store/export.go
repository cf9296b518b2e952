package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// deadLetterLine is the JSONL export format for dead letters. Payloads stay
// sealed; they are base64-encoded for transport and can only be opened by
// the key holder.
type deadLetterLine struct {
	ID            string    `json:"id"`
	Domain        string    `json:"domain"`
	Priority      int       `json:"priority"`
	RoutingTag    string    `json:"routing_tag,omitempty"`
	EntityKey     string    `json:"entity_key,omitempty"`
	Attempt       int       `json:"attempt"`
	CreatedAt     time.Time `json:"created_at"`
	FailedAt      time.Time `json:"failed_at"`
	Reason        string    `json:"reason"`
	SealedPayload string    `json:"sealed_payload"`
}

// ExportDeadLettersJSONL writes all dead-lettered operations to w as JSONL,
// one record per line, for offline inspection and recovery tooling.
// Returns the number of records written.
func (s *Store) ExportDeadLettersJSONL(w io.Writer) (int, error) {
	letters, err := s.ListDeadLetters(0)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i, dl := range letters {
		line := deadLetterLine{
			ID:            dl.ID,
			Domain:        dl.Domain,
			Priority:      dl.Priority,
			RoutingTag:    dl.RoutingTag,
			EntityKey:     dl.EntityKey,
			Attempt:       dl.Attempt,
			CreatedAt:     dl.CreatedAt,
			FailedAt:      dl.FailedAt,
			Reason:        dl.Reason,
			SealedPayload: base64.StdEncoding.EncodeToString(dl.Payload),
		}
		if err := enc.Encode(line); err != nil {
			return i, fmt.Errorf("failed to encode dead letter %s: %w", dl.ID, err)
		}
	}
	return len(letters), nil
}

// ImportDeadLettersJSONL reads JSONL dead letters from r and re-queues them
// into the offline queue for another delivery attempt. Returns the number
// of records re-queued.
func (s *Store) ImportDeadLettersJSONL(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	count := 0
	for dec.More() {
		var line deadLetterLine
		if err := dec.Decode(&line); err != nil {
			return count, fmt.Errorf("invalid JSONL at record %d: %w", count+1, err)
		}
		payload, err := base64.StdEncoding.DecodeString(line.SealedPayload)
		if err != nil {
			return count, fmt.Errorf("invalid payload encoding at record %d: %w", count+1, err)
		}
		rec := QueueRecord{
			ID:         line.ID,
			Domain:     line.Domain,
			Priority:   line.Priority,
			RoutingTag: line.RoutingTag,
			EntityKey:  line.EntityKey,
			Attempt:    0, // fresh retry budget after manual recovery
			CreatedAt:  line.CreatedAt,
			Payload:    payload,
		}
		if err := s.SaveQueued(rec); err != nil {
			return count, err
		}
		if err := s.DeleteDeadLetter(line.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
