package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

func TestHeuristic_IsChallenge_Selectors(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	page := crawler.Page{HTML: `<html><body><form id="challenge-form"></form></body></html>`}
	require.True(t, h.IsChallenge(page))

	page = crawler.Page{HTML: `<html><body><iframe src="https://geo.captcha-delivery.com/captcha/?x=1"></iframe></body></html>`}
	require.True(t, h.IsChallenge(page))
}

func TestHeuristic_IsChallenge_Title(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	page := crawler.Page{HTML: `<html><head><title>Just a moment...</title></head><body></body></html>`}
	require.True(t, h.IsChallenge(page))
}

func TestHeuristic_IsChallenge_KeywordOnSmallPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	page := crawler.Page{HTML: `<html><body><p>Please verify you are human to continue.</p></body></html>`}
	require.True(t, h.IsChallenge(page))
}

func TestHeuristic_IsChallenge_KeywordIgnoredOnLargeListing(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(200)
	listing := `<html><body><p>Our forms use captcha.</p>` +
		strings.Repeat(`<a href="/rooms/london/1">Loft</a>`, 20) + `</body></html>`
	require.False(t, h.IsChallenge(crawler.Page{HTML: listing}))
}

func TestHeuristic_IsChallenge_ScriptHeavyWall(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(50)
	wall := `<html><body><script>` + strings.Repeat("x", 400) + `</script><p>Checking your browser</p></body></html>`
	require.True(t, h.IsChallenge(crawler.Page{HTML: wall}))
}

func TestHeuristic_IsChallenge_OrdinaryPages(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	require.False(t, h.IsChallenge(crawler.Page{}))
	require.False(t, h.IsChallenge(crawler.Page{HTML: `<html><body><a href="/Spaces/x">Hall</a></body></html>`}))
}
