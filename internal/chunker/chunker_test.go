package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplit_SingleShortChunk(t *testing.T) {
	c := New(DefaultOptions())
	chunks := c.Split("Hello world. Chunker test.")
	require.Len(t, chunks, 1)
	require.Equal(t, "Hello world. Chunker test.", chunks[0].Text)
	require.Equal(t, 0, chunks[0].Index)
}

func TestSplit_IndicesAreMonotonic(t *testing.T) {
	c := New(Options{ChunkSize: 100, Overlap: 20, MinChunk: 10})
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		require.Equal(t, i, ch.Index)
	}
}

func TestSplit_RoundTripReconstructsWithOverlapsRemoved(t *testing.T) {
	c := New(Options{ChunkSize: 50, Overlap: 10, MinChunk: 5})
	text := strings.Repeat("word ", 100)
	chunks := c.Split(text)
	require.NotEmpty(t, chunks)

	// Reconstruct by walking chunk offsets: each chunk after the first
	// begins at or before the previous chunk's end, so removing the
	// overlapping prefix of each subsequent chunk and concatenating
	// reproduces the normalized source.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0].Text)
	for i := 1; i < len(chunks); i++ {
		prevEnd := chunks[i-1].Offset + len([]rune(chunks[i-1].Text))
		curStart := chunks[i].Offset
		if curStart < prevEnd {
			skip := prevEnd - curStart
			runes := []rune(chunks[i].Text)
			if skip < len(runes) {
				rebuilt.WriteString(string(runes[skip:]))
			}
		} else {
			rebuilt.WriteString(" ")
			rebuilt.WriteString(chunks[i].Text)
		}
	}
	normalized := strings.Join(strings.Fields(text), " ")
	got := strings.Join(strings.Fields(rebuilt.String()), " ")
	require.Equal(t, normalized, got)
}

func TestSplit_EmptyInput(t *testing.T) {
	c := New(DefaultOptions())
	require.Nil(t, c.Split(""))
}

func TestSplit_DropsTinyTrailingChunk(t *testing.T) {
	c := New(Options{ChunkSize: 20, Overlap: 0, MinChunk: 15})
	text := strings.Repeat("a", 22)
	chunks := c.Split(text)
	// the 2-char trailing fragment is below MinChunk and should be dropped
	for _, ch := range chunks {
		require.GreaterOrEqual(t, len(ch.Text), 15)
	}
}
