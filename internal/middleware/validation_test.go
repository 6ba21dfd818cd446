package middleware

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"empty", "", true},
		{"whitespace only", "  \n\t ", true},
		{"at limit", strings.Repeat("a", 100000), false},
		{"over limit", strings.Repeat("a", 100001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageContent(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIDs(t *testing.T) {
	valid := uuid.NewString()
	assert.NoError(t, ValidateSessionID(valid))
	assert.NoError(t, ValidateMessageID(valid))

	assert.Error(t, ValidateSessionID("not-a-uuid"))
	assert.Error(t, ValidateMessageID(""))
}
