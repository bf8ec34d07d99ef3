package notify

import (
	"encoding/json"
	"time"

	"github.com/warp/recurrence-engine/recurrence"
)

// SeriesChangedMessage is published after a committed write touching one or
// more series. Consumers re-read the series they care about.
type SeriesChangedMessage struct {
	Kind      string    `json:"kind"`
	OwnerID   string    `json:"ownerId"`
	SeriesIDs []string  `json:"seriesIds"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSeriesChangedMessage converts an engine event to its wire form.
func NewSeriesChangedMessage(ev recurrence.ChangeEvent) *SeriesChangedMessage {
	ids := make([]string, len(ev.SeriesIDs))
	for i, id := range ev.SeriesIDs {
		ids[i] = string(id)
	}
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &SeriesChangedMessage{
		Kind:      string(ev.Kind),
		OwnerID:   string(ev.OwnerID),
		SeriesIDs: ids,
		Inserted:  ev.Inserted,
		Updated:   ev.Updated,
		Deleted:   ev.Deleted,
		Timestamp: ts.UTC(),
	}
}

func (m *SeriesChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SeriesChangedMessageFromJSON(data []byte) (*SeriesChangedMessage, error) {
	var msg SeriesChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
