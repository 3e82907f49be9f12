package models

import (
	"fmt"
	"strings"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageStatusAccepted  MessageStatus = "accepted"
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus parses a provider status string (sent, delivered, read,
// failed). Unknown statuses are an error so they are surfaced on the event
// instead of being written to messages.
func ParseMessageStatus(name string) (MessageStatus, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	valid := []MessageStatus{
		MessageStatusSent,
		MessageStatusDelivered,
		MessageStatusRead,
		MessageStatusFailed,
	}

	for _, s := range valid {
		if string(s) == name {
			return s, nil
		}
	}

	return "", fmt.Errorf("unknown message status: %s", name)
}
