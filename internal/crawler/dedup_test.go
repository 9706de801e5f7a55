package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenSetMarkIfNewIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newSeenSet()
	require.True(t, s.MarkIfNew("https://www.tagvenue.com/rooms/london/1"))
	require.False(t, s.MarkIfNew("https://www.tagvenue.com/rooms/london/1"))
	require.False(t, s.MarkIfNew("https://www.tagvenue.com/rooms/london/1"))
	require.False(t, s.MarkIfNew(""))
	require.Equal(t, 1, s.Len())
}

func TestSeenSetFilterNewAcrossPages(t *testing.T) {
	t.Parallel()

	s := newSeenSet()
	page1 := []RawCandidate{
		{Href: "https://hirespace.com/Spaces/a", VisibleText: "A"},
		{Href: "https://hirespace.com/Spaces/b", VisibleText: "B"},
		{Href: "https://hirespace.com/Spaces/a", VisibleText: "A again"},
	}
	fresh := s.FilterNew(page1)
	require.Equal(t, []RawCandidate{page1[0], page1[1]}, fresh)

	page2 := []RawCandidate{
		{Href: "https://hirespace.com/Spaces/b"},
		{Href: "https://hirespace.com/Spaces/c", VisibleText: "C"},
	}
	fresh = s.FilterNew(page2)
	require.Len(t, fresh, 1)
	require.Equal(t, "https://hirespace.com/Spaces/c", fresh[0].Href)

	require.Empty(t, s.FilterNew(page2))
	require.Equal(t, 3, s.Len())
}
