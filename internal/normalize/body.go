package normalize

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
)

// Part is one node of a MIME part tree. Data holds the decoded body of a leaf.
type Part struct {
	MimeType string
	Filename string
	Data     []byte
	Parts    []Part
}

// Body is the extracted text and HTML content of a message. Either may be empty.
type Body struct {
	Text string
	HTML string
}

// ExtractBody walks the tree depth-first. The first non-empty text/plain leaf
// fills Text and the first non-empty text/html leaf fills HTML, independently.
// Leaves carrying a filename are attachments and are skipped.
func ExtractBody(root Part) Body {
	var body Body
	walk(root, &body)
	return body
}

func walk(p Part, body *Body) {
	if body.Text != "" && body.HTML != "" {
		return
	}

	mediaType := MediaType(p.MimeType)
	if len(p.Parts) > 0 || strings.HasPrefix(mediaType, "multipart/") {
		for _, child := range p.Parts {
			walk(child, body)
		}
		return
	}

	if p.Filename != "" || len(p.Data) == 0 {
		return
	}

	switch mediaType {
	case "text/plain":
		if body.Text == "" {
			body.Text = string(p.Data)
		}
	case "text/html":
		if body.HTML == "" {
			body.HTML = string(p.Data)
		}
	}
}

// HasAttachments reports whether any leaf in the tree carries a filename.
func HasAttachments(root Part) bool {
	if root.Filename != "" {
		return true
	}
	for _, child := range root.Parts {
		if HasAttachments(child) {
			return true
		}
	}
	return false
}

// MediaType lowercases a content type and drops its parameters.
func MediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// DecodeBase64URL decodes provider body data that may or may not be padded.
func DecodeBase64URL(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64url body data: %w", err)
	}
	return decoded, nil
}
