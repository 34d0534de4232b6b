package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func fullMessage() *gmail.Message {
	return &gmail.Message{
		Id:           "msg-1",
		ThreadId:     "thr-1",
		LabelIds:     []string{"INBOX", "UNREAD"},
		SizeEstimate: 4321,
		InternalDate: 1700000000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: `Alice Example <alice@example.com>`},
				{Name: "To", Value: `Bob <bob@example.com>, carol@example.com`},
				{Name: "Cc", Value: `Dave <dave@example.com>`},
				{Name: "Subject", Value: "Quarterly report"},
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: b64("plain body")},
				},
				{
					MimeType: "text/html",
					Body:     &gmail.MessagePartBody{Data: b64("<p>html body</p>")},
				},
			},
		},
	}
}

func TestTransform_FullMessage(t *testing.T) {
	rec, err := Transform(fullMessage())
	require.NoError(t, err)

	assert.Equal(t, "msg-1", rec.MessageID)
	assert.Equal(t, "thr-1", rec.ThreadID)
	assert.Equal(t, "Alice Example", rec.Sender.Name)
	assert.Equal(t, "alice@example.com", rec.Sender.Email)
	require.Len(t, rec.Recipients.To, 2)
	assert.Equal(t, "Bob", rec.Recipients.To[0].Name)
	assert.Equal(t, "carol@example.com", rec.Recipients.To[1].Email)
	require.Len(t, rec.Recipients.Cc, 1)
	assert.Empty(t, rec.Recipients.Bcc)
	assert.Equal(t, "Quarterly report", rec.Subject)
	assert.Equal(t, "plain body", rec.Body)
	assert.Equal(t, int64(4321), rec.Size)
	assert.Equal(t, time.UnixMilli(1700000000000).Unix(), rec.Timestamp.Unix())
	assert.False(t, rec.IsRead, "UNREAD label means not read")
	assert.False(t, rec.IsOutgoing)
	assert.False(t, rec.IsDeleted)
}

func TestTransform_SentAndRead(t *testing.T) {
	m := fullMessage()
	m.LabelIds = []string{"SENT"}

	rec, err := Transform(m)
	require.NoError(t, err)
	assert.True(t, rec.IsRead)
	assert.True(t, rec.IsOutgoing)
}

func TestTransform_HTMLFallback(t *testing.T) {
	m := fullMessage()
	m.Payload.Parts = []*gmail.MessagePart{
		{
			MimeType: "text/html",
			Body:     &gmail.MessagePartBody{Data: b64("<div>Hello &amp; <b>goodbye</b></div><style>p{}</style>")},
		},
	}

	rec, err := Transform(m)
	require.NoError(t, err)
	assert.Contains(t, rec.Body, "Hello & ")
	assert.Contains(t, rec.Body, "goodbye")
	assert.NotContains(t, rec.Body, "<")
}

func TestTransform_NestedParts(t *testing.T) {
	m := fullMessage()
	m.Payload.Parts = []*gmail.MessagePart{
		{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmail.MessagePartBody{Data: b64("nested body")},
				},
			},
		},
	}

	rec, err := Transform(m)
	require.NoError(t, err)
	assert.Equal(t, "nested body", rec.Body)
}

func TestTransform_Malformed(t *testing.T) {
	_, err := Transform(nil)
	require.Error(t, err)

	_, err = Transform(&gmail.Message{Id: "x"})
	require.Error(t, err, "missing payload")

	_, err = Transform(&gmail.Message{Payload: &gmail.MessagePart{}})
	require.Error(t, err, "missing id")
}

func TestParseAddress_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"rfc", "Alice <alice@example.com>", "alice@example.com"},
		{"bare", "alice@example.com", "alice@example.com"},
		{"unparseable kept verbatim", "totally not an address <<", "totally not an address <<"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseAddress(tt.in).Email)
		})
	}

	assert.Empty(t, parseAddress("").Email)
}

func TestParseAddressList_Fallback(t *testing.T) {
	// An undisclosed-recipients group breaks strict parsing; the split
	// fallback still yields the parseable entries.
	got := parseAddressList("Bob <bob@example.com>, not<<valid")
	require.Len(t, got, 2)
	assert.Equal(t, "bob@example.com", got[0].Email)
	assert.Equal(t, "not<<valid", got[1].Email)
}

func TestDecodeBody_PaddingVariants(t *testing.T) {
	assert.Equal(t, "hi", decodeBody(base64.URLEncoding.EncodeToString([]byte("hi"))))
	assert.Equal(t, "hi", decodeBody(base64.RawURLEncoding.EncodeToString([]byte("hi"))))
	assert.Empty(t, decodeBody("!!!not base64!!!"))
}
