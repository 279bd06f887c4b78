package usage

import (
	"encoding/json"

	"prism-api/internal/shared"

	"github.com/google/uuid"
)

// Event is one usage submission: the billing subject plus exactly one record
// variant. The authority ingests it as a flat JSON object; EventID lets it
// deduplicate replays.
type Event struct {
	ID     string
	User   shared.UserContext
	Tokens *shared.Usage
	Images *shared.ImageUsage
}

func NewTokenEvent(user shared.UserContext, tokens shared.Usage) *Event {
	return &Event{ID: uuid.New().String(), User: user, Tokens: &tokens}
}

func NewImageEvent(user shared.UserContext, count int64) *Event {
	return &Event{ID: uuid.New().String(), User: user, Images: &shared.ImageUsage{ImageCount: count}}
}

func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Images != nil {
		return json.Marshal(struct {
			EventID string `json:"event_id"`
			shared.UserContext
			shared.ImageUsage
			Type string `json:"type"`
		}{e.ID, e.User, *e.Images, "image"})
	}
	var tokens shared.Usage
	if e.Tokens != nil {
		tokens = *e.Tokens
	}
	return json.Marshal(struct {
		EventID string `json:"event_id"`
		shared.UserContext
		shared.Usage
		Type string `json:"type"`
	}{e.ID, e.User, tokens, "text"})
}
