package models

import (
	"encoding/json"
	"fmt"
)

// WebhookPayload is the top-level provider webhook delivery. Only the parts
// needed for message and status fan-out are modelled.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one business account's batch of changes.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         PhoneMetadata    `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []StatusUpdate   `json:"statuses,omitempty"`
}

type PhoneMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile ContactProfile `json:"profile"`
	WaID    string         `json:"wa_id"`
}

type ContactProfile struct {
	Name string `json:"name"`
}

type InboundMessage struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextContent `json:"text,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}

type StatusUpdate struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	Errors      []ProviderError `json:"errors,omitempty"`
}

type ProviderError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// ParseWebhookPayload decodes a raw webhook body.
func ParseWebhookPayload(raw []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &p, nil
}

// AccountExternalID returns the provider-side account id of the first entry,
// or "" when the payload carries none.
func (p *WebhookPayload) AccountExternalID() string {
	for _, e := range p.Entry {
		if e.ID != "" {
			return e.ID
		}
	}
	return ""
}

// ContactName finds the profile name the provider sent for waID.
func (v *ChangeValue) ContactName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}
