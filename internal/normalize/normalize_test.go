package normalize

import (
	"encoding/base64"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
)

func TestParseAddressHeader(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Address
	}{
		{`"Jane Doe" <Jane@Example.COM>`, models.Address{Name: "Jane Doe", Email: "jane@example.com"}},
		{`Jane Doe <jane@example.com>`, models.Address{Name: "Jane Doe", Email: "jane@example.com"}},
		{`<Bob@Example.com>`, models.Address{Email: "bob@example.com"}},
		{`Bob@Example.com`, models.Address{Email: "bob@example.com"}},
		{`"Doe, Jane" <jane@example.com>`, models.Address{Name: "Doe, Jane", Email: "jane@example.com"}},
		{`"Jane \"JD\" Doe" <jd@example.com>`, models.Address{Name: `Jane "JD" Doe`, Email: "jd@example.com"}},
		{`mailer daemon: ALERT@Example.com`, models.Address{Email: "alert@example.com"}},
		{``, models.Address{}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAddressHeader(tt.raw))
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList(`"Doe, Jane" <Jane@example.com>, bob@EXAMPLE.com,  , Carol <carol@example.com>`)

	require.Len(t, got, 3)
	assert.Equal(t, models.Address{Name: "Doe, Jane", Email: "jane@example.com"}, got[0])
	assert.Equal(t, models.Address{Email: "bob@example.com"}, got[1])
	assert.Equal(t, models.Address{Name: "Carol", Email: "carol@example.com"}, got[2])

	assert.Empty(t, ParseAddressList(""))
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "bob@example.com", FormatAddress(models.Address{Email: "bob@example.com"}))
	assert.Equal(t, `"Jane \"JD\"" <jd@example.com>`, FormatAddress(models.Address{Name: `Jane "JD"`, Email: "jd@example.com"}))
}

func TestExtractBody(t *testing.T) {
	t.Run("multipart alternative yields both", func(t *testing.T) {
		root := Part{
			MimeType: "multipart/alternative",
			Parts: []Part{
				{MimeType: "text/plain; charset=UTF-8", Data: []byte("Hello")},
				{MimeType: "text/html", Data: []byte("<p>Hello</p>")},
			},
		}
		body := ExtractBody(root)
		assert.Equal(t, "Hello", body.Text)
		assert.Equal(t, "<p>Hello</p>", body.HTML)
	})

	t.Run("html only leaves text empty", func(t *testing.T) {
		body := ExtractBody(Part{MimeType: "text/html", Data: []byte("<b>hi</b>")})
		assert.Empty(t, body.Text)
		assert.Equal(t, "<b>hi</b>", body.HTML)
	})

	t.Run("single text part", func(t *testing.T) {
		body := ExtractBody(Part{MimeType: "TEXT/PLAIN", Data: []byte("plain")})
		assert.Equal(t, "plain", body.Text)
		assert.Empty(t, body.HTML)
	})

	t.Run("first match wins depth first", func(t *testing.T) {
		root := Part{
			MimeType: "multipart/mixed",
			Parts: []Part{
				{
					MimeType: "multipart/alternative",
					Parts: []Part{
						{MimeType: "text/plain", Data: []byte("first")},
						{MimeType: "text/html", Data: []byte("<p>first</p>")},
					},
				},
				{MimeType: "text/plain", Data: []byte("second")},
				{MimeType: "text/plain", Filename: "notes.txt", Data: []byte("attachment")},
			},
		}
		body := ExtractBody(root)
		assert.Equal(t, "first", body.Text)
		assert.Equal(t, "<p>first</p>", body.HTML)
		assert.True(t, HasAttachments(root))
	})

	t.Run("attachments and empty parts are skipped", func(t *testing.T) {
		root := Part{
			MimeType: "multipart/mixed",
			Parts: []Part{
				{MimeType: "text/plain"},
				{MimeType: "text/plain", Filename: "a.txt", Data: []byte("attached")},
				{MimeType: "text/plain", Data: []byte("real")},
			},
		}
		assert.Equal(t, "real", ExtractBody(root).Text)
	})

	t.Run("no text parts", func(t *testing.T) {
		body := ExtractBody(Part{MimeType: "image/png", Data: []byte{1, 2, 3}})
		assert.Equal(t, Body{}, body)
		assert.False(t, HasAttachments(Part{MimeType: "text/plain"}))
	})
}

func TestSnippet(t *testing.T) {
	long := strings.Repeat("é", 250)
	s := Snippet(long, DefaultSnippetLength)
	assert.Equal(t, 200, utf8.RuneCountInString(s))

	assert.Equal(t, "a b c", Snippet("  a\n\tb   c ", 10))
	assert.Equal(t, Snippet(long, 200), Snippet(long, 200), "snippet is deterministic")
	assert.Equal(t, "abc", Snippet("abc", 0))
}

func TestSnippetFromBody(t *testing.T) {
	assert.Equal(t, "Hello there", SnippetFromBody(Body{Text: "Hello\n there", HTML: "<p>ignored</p>"}))

	fromHTML := SnippetFromBody(Body{HTML: "<html><body><p>Hello <b>world</b></p></body></html>"})
	assert.Contains(t, fromHTML, "Hello")
	assert.Contains(t, fromHTML, "world")
	assert.NotContains(t, fromHTML, "<")

	assert.Empty(t, SnippetFromBody(Body{}))
}

func TestDecodeBase64URL(t *testing.T) {
	payload := []byte("subject?>>body")
	padded := base64.URLEncoding.EncodeToString(payload)
	raw := base64.RawURLEncoding.EncodeToString(payload)

	got, err := DecodeBase64URL(padded)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = DecodeBase64URL(raw)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = DecodeBase64URL("!!not base64!!")
	assert.Error(t, err)

	got, err = DecodeBase64URL("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "text/plain", MediaType("Text/Plain; charset=\"utf-8\""))
	assert.Equal(t, "multipart/alternative", MediaType("multipart/alternative; boundary=abc"))
	assert.Equal(t, "", MediaType(""))
}
