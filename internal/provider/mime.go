package provider

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/normalize"
)

const defaultSubject = "(no subject)"

// threadRef carries the headers that attach a reply to an existing conversation.
type threadRef struct {
	MessageID  string
	References string
	Subject    string
}

func (r *threadRef) references() string {
	if r.References == "" {
		return r.MessageID
	}
	if strings.Contains(r.References, r.MessageID) {
		return r.References
	}
	return r.References + " " + r.MessageID
}

// composeMessage renders msg as an RFC 5322 message and returns it with its
// Message-ID.
func composeMessage(from models.Address, msg models.OutgoingMessage, ref *threadRef, now time.Time) ([]byte, string, error) {
	to := normalize.ParseAddressHeader(msg.To)
	if to.Email == "" {
		return nil, "", fmt.Errorf("recipient is empty")
	}
	if from.Email == "" {
		return nil, "", fmt.Errorf("sender address is empty")
	}

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" && ref != nil && ref.Subject != "" {
		subject = replySubject(ref.Subject)
	}
	if subject == "" {
		subject = defaultSubject
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from.Email))

	builder := enmime.Builder().
		From(from.Name, from.Email).
		To(to.Name, to.Email).
		Subject(subject).
		Date(now).
		Header("Message-ID", messageID)
	if msg.IsHTML {
		builder = builder.HTML([]byte(msg.Body)).Text([]byte(normalize.HTMLToText(msg.Body)))
	} else {
		builder = builder.Text([]byte(msg.Body))
	}
	if ref != nil && ref.MessageID != "" {
		builder = builder.
			Header("In-Reply-To", ref.MessageID).
			Header("References", ref.references())
	}

	root, err := builder.Build()
	if err != nil {
		return nil, "", fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, "", fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func replySubject(original string) string {
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 && i < len(email)-1 {
		return email[i+1:]
	}
	return "localhost"
}
