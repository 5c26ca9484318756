package any2pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{
			name:    "utf-8 with bom",
			content: []byte("\xef\xbb\xbfhello"),
			want:    "utf-8",
		},
		{
			name:    "plain ascii defaults to utf-8",
			content: []byte("<html><body>hi</body></html>"),
			want:    "utf-8",
		},
		{
			name:    "multibyte utf-8",
			content: []byte("héllo wörld — ☃"),
			want:    "utf-8",
		},
		{
			name:    "utf-16 little endian bom",
			content: []byte{0xff, 0xfe, 'h', 0, 'i', 0},
			want:    "utf-16le",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			name, _ := detectEncoding(tt.content)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestToUTF8(t *testing.T) {
	t.Parallel()

	t.Run("utf-8 passes through unchanged", func(t *testing.T) {
		t.Parallel()

		in := []byte("# héllo")
		out, err := toUTF8(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("utf-16le transcodes", func(t *testing.T) {
		t.Parallel()

		in := []byte{0xff, 0xfe, 'h', 0, 'i', 0}
		out, err := toUTF8(in)
		require.NoError(t, err)
		assert.Equal(t, "\ufeffhi", string(out))
	})
}
