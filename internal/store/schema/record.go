package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the envelope exchanged with the remote sync authority. Payload
// holds the JSON form of the typed row; it is empty for tombstones.
type Record struct {
	Kind         Kind            `json:"kind"`
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	LastModified time.Time       `json:"last_modified"`
	Deleted      bool            `json:"deleted,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// FoodLogRecord wraps e for the remote.
func FoodLogRecord(e *FoodLogEntry) (Record, error) {
	return newRecord(KindFoodLog, e.ID, e.UserID, e.LastModified, e)
}

// WeightRecord wraps w for the remote.
func WeightRecord(w *WeightEntry) (Record, error) {
	return newRecord(KindWeight, w.ID, w.UserID, w.LastModified, w)
}

// ProfileRecord wraps p for the remote.
func ProfileRecord(p *UserProfile) (Record, error) {
	return newRecord(KindProfile, p.UserID, p.UserID, p.LastModified, p)
}

// Tombstone returns a delete record.
func Tombstone(kind Kind, id, userID string, lastModified time.Time) Record {
	return Record{Kind: kind, ID: id, UserID: userID, LastModified: Stamp(lastModified), Deleted: true}
}

func newRecord(kind Kind, id, userID string, lastModified time.Time, v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}
	return Record{
		Kind:         kind,
		ID:           id,
		UserID:       userID,
		LastModified: Stamp(lastModified),
		Payload:      payload,
	}, nil
}

// FoodLog decodes the payload of a food_log record.
func (r Record) FoodLog() (*FoodLogEntry, error) {
	var e FoodLogEntry
	if err := r.decode(KindFoodLog, &e); err != nil {
		return nil, err
	}
	e.ID, e.UserID = r.ID, r.UserID
	return &e, e.Validate()
}

// Weight decodes the payload of a weight record.
func (r Record) Weight() (*WeightEntry, error) {
	var w WeightEntry
	if err := r.decode(KindWeight, &w); err != nil {
		return nil, err
	}
	w.ID, w.UserID = r.ID, r.UserID
	return &w, w.Validate()
}

// Profile decodes the payload of a profile record.
func (r Record) Profile() (*UserProfile, error) {
	var p UserProfile
	if err := r.decode(KindProfile, &p); err != nil {
		return nil, err
	}
	p.UserID = r.ID
	return &p, p.Validate()
}

func (r Record) decode(want Kind, v any) error {
	if r.Kind != want {
		return fmt.Errorf("record %s is a %s, not a %s", r.ID, r.Kind, want)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("record %s %s has no payload", r.Kind, r.ID)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", r.Kind, r.ID, err)
	}
	return nil
}
