package email

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brandon/mailsync/pkg/types"
)

func TestDecodeMailBatch(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"result list", `{"result":[{"id":"a"}]}`, []string{"a"}},
		{"list fallback", `{"result":[],"list":[{"id":"b"}]}`, []string{"b"}},
		{"result not a list", `{"result":{"id":"x"},"list":[{"id":"c"}]}`, []string{"c"}},
		{"bare array", `[{"id":"d"}]`, []string{"d"}},
		{"empty", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, m := range decodeMailBatch(json.RawMessage(tt.raw)) {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestWireMailSummary(t *testing.T) {
	tests := []struct {
		name string
		mail wireMail
		want bool
	}{
		{"hasAttachment", wireMail{HasAttachment: true}, true},
		{"hasAttachments", wireMail{HasAttachments: true}, true},
		{"attachment list", wireMail{Attachments: []wireAttachment{{ID: "1"}}}, true},
		{"none", wireMail{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mail.summary(1, "inbox").HasAttachments)
		})
	}
}

func TestNormalizeMessagePlainOnly(t *testing.T) {
	msg := normalizeMessage(wireMail{
		ID:               "A",
		DisplayableParts: []wirePart{{ContentType: partPlain, Content: "first"}, {ContentType: partPlain, Content: "second"}},
	}, "https://mail.corp.com")

	assert.Equal(t, "first", msg.Body)
	assert.Equal(t, types.BodyText, msg.BodyType)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, "", msg.To)
}
