package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/db"
)

// Payload is the JSON stored in Notification.Payload. Retry rebuilds the
// channel message from it.
type Payload struct {
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	URL         string     `json:"url"`
	ItemCount   int        `json:"item_count,omitempty"`
	OutfitID    *uuid.UUID `json:"outfit_id,omitempty"`
	Occasion    string     `json:"occasion,omitempty"`
	ForTomorrow bool       `json:"for_tomorrow,omitempty"`
}

// Message converts the payload into a channel message.
func (p Payload) Message() channel.Message {
	msg := channel.Message{
		Type:  p.Type,
		Title: p.Title,
		Body:  p.Body,
		URL:   p.URL,
	}
	switch p.Type {
	case db.PayloadOutfit:
		msg.Tags = []string{"shirt"}
		if p.OutfitID != nil {
			msg.Data = map[string]string{"screen": "outfit", "outfit_id": p.OutfitID.String()}
		}
	case db.PayloadWashReminder:
		msg.Tags = []string{"shirt", "droplet"}
		msg.Data = map[string]string{"screen": "wardrobe"}
	}
	return msg
}

// OutfitPayload builds the notification for a generated outfit.
func OutfitPayload(appURL string, outfit *db.Outfit, forTomorrow bool) Payload {
	occasion := outfit.Occasion
	if occasion == "" {
		occasion = "today"
	}

	title := fmt.Sprintf("Your %s outfit is ready", occasion)
	if forTomorrow {
		title = fmt.Sprintf("Tomorrow's %s outfit is ready", occasion)
	}

	noun := "items"
	if outfit.ItemCount == 1 {
		noun = "item"
	}
	body := fmt.Sprintf("%d %s picked from your wardrobe. Tap to see the look.", outfit.ItemCount, noun)

	id := outfit.ID
	return Payload{
		Type:        db.PayloadOutfit,
		Title:       title,
		Body:        body,
		URL:         fmt.Sprintf("%s/dashboard/outfits/%s", appURL, outfit.ID),
		ItemCount:   outfit.ItemCount,
		OutfitID:    &id,
		Occasion:    outfit.Occasion,
		ForTomorrow: forTomorrow,
	}
}

// WashReminderPayload builds the laundry reminder for count items.
func WashReminderPayload(appURL, summary string, count int) Payload {
	noun := "items"
	if count == 1 {
		noun = "item"
	}
	return Payload{
		Type:      db.PayloadWashReminder,
		Title:     "Laundry Reminder",
		Body:      fmt.Sprintf("%d %s need washing: %s", count, noun, summary),
		URL:       appURL + "/dashboard/wardrobe",
		ItemCount: count,
	}
}
