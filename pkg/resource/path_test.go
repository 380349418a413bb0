package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in   string
		want Path
	}{
		{"docs/readme@alice/main/", Path{"docs", "readme", "alice", "main"}},
		{"team/eng/notes@bob/shared/drafts/", Path{"team/eng", "notes", "bob", "shared/drafts"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParsePathRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"docs/readme@alice/main",   // no trailing slash
		"readme@alice/main/",       // no context
		"docs/readme@alice/",       // no location
		"docs/readme/main/",        // no owner
		"docs/@alice/main/",        // no name
		"docs/readme@/main/",       // empty owner
		"docs//readme@alice/main/", // empty segment
		"docs/a@b@c/main/",
	} {
		_, err := ParsePath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, in)
	}
}
