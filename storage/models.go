package storage

import (
	"fmt"
	"time"

	"replaydeck/interaction"
)

// Cassette is a named sequence of archived interactions.
type Cassette struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description"`
	Interactions int       `json:"interactions"`
}

// Record is one archived interaction. Payload holds the interaction in the
// cassette wire format; the other columns exist for listing and search.
type Record struct {
	ID             int       `json:"id"`
	CassetteID     int       `json:"cassette_id"`
	RecordID       string    `json:"record_id"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	Status         int       `json:"status"`
	Payload        string    `json:"-"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int       `json:"sequence_number"`
}

// Interaction decodes the payload.
func (r Record) Interaction() (interaction.Interaction, error) {
	item, err := interaction.Unmarshal([]byte(r.Payload))
	if err != nil {
		return interaction.Interaction{}, fmt.Errorf("failed to decode record %s: %w", r.RecordID, err)
	}
	return item, nil
}
