package vector

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short input untouched", "covalent", 100, "covalent"},
		{"ascii cut at limit", "covalent", 4, "cova"},
		{"cut inside two-byte rune backs up", "café", 4, "caf"},
		{"cut inside cjk rune backs up", "化学", 4, "化"},
		{"zero limit", "covalent", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.limit)
		})
	}
}

func TestTruncateUTF8NeverProducesInvalidString(t *testing.T) {
	s := strings.Repeat("é", 50)
	for limit := 0; limit <= len(s); limit++ {
		assert.True(t, utf8.ValidString(truncateUTF8(s, limit)))
	}
}
