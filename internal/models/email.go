package models

import (
	"errors"
	"strings"
	"time"
)

// Address is a display name plus a lowercased email address.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// NormalizedMessage is the provider-independent form of one inbound message.
// The natural key is (IntegrationID, ProviderMessageID).
type NormalizedMessage struct {
	ID                string     `json:"id"`
	IntegrationID     string     `json:"integration_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	ThreadID          *string    `json:"thread_id"`
	From              Address    `json:"from"`
	To                []Address  `json:"to"`
	Subject           string     `json:"subject"`
	BodyText          *string    `json:"body_text"`
	BodyHTML          *string    `json:"body_html"`
	Snippet           string     `json:"snippet"`
	IsRead            bool       `json:"is_read"`
	IsImportant       bool       `json:"is_important"`
	HasAttachments    bool       `json:"has_attachments"`
	Labels            []string   `json:"labels"`
	ReceivedAt        time.Time  `json:"received_at"`
	SentAt            *time.Time `json:"sent_at"`
}

// Validate checks the fields storage relies on.
func (m *NormalizedMessage) Validate() error {
	if m.IntegrationID == "" {
		return errors.New("integration id is empty")
	}
	if m.ProviderMessageID == "" {
		return errors.New("provider message id is empty")
	}
	if m.From.Email != strings.ToLower(m.From.Email) {
		return errors.New("from address is not lowercased")
	}
	for _, to := range m.To {
		if to.Email != strings.ToLower(to.Email) {
			return errors.New("recipient address is not lowercased")
		}
	}
	if m.ReceivedAt.IsZero() {
		return errors.New("received_at is not set")
	}
	return nil
}

// OutgoingMessage is a message to send through an integration. ReplyToID is the
// provider message id of the message being answered, if any.
type OutgoingMessage struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	IsHTML    bool   `json:"is_html"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// SendResult describes what the provider accepted. Status is "sent" when the
// provider returned a message id and "accepted" when it only acknowledged the
// request. Threaded is false when a reply was sent without threading metadata.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ThreadID          string `json:"thread_id,omitempty"`
	Status            string `json:"status"`
	Threaded          bool   `json:"threaded"`
}

const (
	SendStatusSent     = "sent"
	SendStatusAccepted = "accepted"
)
