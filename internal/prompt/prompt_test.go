package prompt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "y\n", true},
		{"full yes", "YES\n", true},
		{"no", "n\n", false},
		{"anything else", "maybe\n", false},
		{"no newline", "y", true},
		{"end of input", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got := Confirm("Delete 2 files?", Config{In: strings.NewReader(tt.input), Out: &out})
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Delete 2 files? (y/n): ")
		})
	}
}

func TestConfirmNonInteractive(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, Confirm("Delete?", Config{NonInteractive: true, In: strings.NewReader("n\n"), Out: &out}))
	assert.Empty(t, out.String())
}
