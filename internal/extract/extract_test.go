package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const listingHTML = `<html><body>
<div class="grid">
  <a href="/rooms/london/loft-1#photos">  The
     Loft  </a>
  <a href="https://www.tagvenue.com/venues/london/hall-2">Great Hall</a>
  <a href="/rooms/london/loft-1">The Loft (again)</a>
  <a href="/uk/search/event-venue?page=2">Next page</a>
  <a href="javascript:void(0)" data-x="/rooms/bad">Broken</a>
  <a href="../../rooms/relative-3">Relative</a>
</div>
</body></html>`

func tagVenueRule() catalog.LinkRule {
	return catalog.LinkRule{
		Selector: `a[href*="/rooms/"], a[href*="/venues/"], a[href*="/search/"]`,
		Attr:     "href",
		Exclude:  []string{"/search/"},
	}
}

func TestExtractResolvesDedupesAndFilters(t *testing.T) {
	t.Parallel()

	page := crawler.Page{URL: "https://www.tagvenue.com/uk/search/event-venue?page=1", HTML: listingHTML}
	got, err := New().Extract(page, tagVenueRule())
	require.NoError(t, err)
	require.Equal(t, []crawler.RawCandidate{
		{Href: "https://www.tagvenue.com/rooms/london/loft-1", VisibleText: "The Loft"},
		{Href: "https://www.tagvenue.com/venues/london/hall-2", VisibleText: "Great Hall"},
		{Href: "https://www.tagvenue.com/rooms/relative-3", VisibleText: "Relative"},
	}, got)
}

func TestExtractCollapsesRepeatedCardLinks(t *testing.T) {
	t.Parallel()

	const cards = `<html><body>
<div class="card"><a href="/rooms/london/a"><img src="a.jpg"></a><a href="/rooms/london/a">Venue A</a></div>
<div class="card"><a href="/rooms/london/b"><img src="b.jpg"></a><a href="/rooms/london/b">Venue B</a></div>
<div class="card"><a href="/rooms/london/c"><img src="c.jpg"></a><a href="/rooms/london/c">Venue C</a></div>
</body></html>`
	page := crawler.Page{URL: "https://www.tagvenue.com/uk/search/event-venue?page=9", HTML: cards}
	got, err := New().Extract(page, tagVenueRule())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, name := range []string{"a", "b", "c"} {
		require.Equal(t, "https://www.tagvenue.com/rooms/london/"+name, got[i].Href)
	}
}

func TestExtractUsesFinalURLAndMaxItems(t *testing.T) {
	t.Parallel()

	rule := tagVenueRule()
	rule.MaxItems = 1
	page := crawler.Page{
		URL:      "https://tagvenue.com/uk/search/event-venue",
		FinalURL: "https://www.tagvenue.com/uk/search/event-venue",
		HTML:     listingHTML,
	}
	got, err := New().Extract(page, rule)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "https://www.tagvenue.com/rooms/london/loft-1", got[0].Href)
}

func TestExtractEmptyPage(t *testing.T) {
	t.Parallel()

	page := crawler.Page{URL: "https://hirespace.com/Search?page=40", HTML: `<html><body><p>No spaces found</p></body></html>`}
	got, err := New().Extract(page, catalog.LinkRule{Selector: `a[href*="/Spaces/"]`})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExtractOnlyExcludedLinksIsNotAFailure(t *testing.T) {
	t.Parallel()

	page := crawler.Page{
		URL:  "https://www.tagvenue.com/uk/search/event-venue?page=9",
		HTML: `<a href="/uk/search/event-venue?page=8">Prev</a>`,
	}
	got, err := New().Extract(page, tagVenueRule())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExtractUnresolvableAnchorsFail(t *testing.T) {
	t.Parallel()

	page := crawler.Page{
		URL:  "https://hirespace.com/Search",
		HTML: `<a class="card" href="mailto:hello@hirespace.com">Mail</a><a class="card">No href</a>`,
	}
	_, err := New().Extract(page, catalog.LinkRule{Selector: "a.card"})
	require.Error(t, err)
	require.True(t, errors.Is(err, crawler.ErrExtractionFailure))
}

func TestExtractDetailFallsBackAcrossRules(t *testing.T) {
	t.Parallel()

	rules := catalog.DetailRules{
		Name: []catalog.FieldRule{
			{Selector: `h1,h2,[data-testid*="title"]`},
			{Selector: `meta[property="og:title"]`, Attr: "content"},
		},
		City: []catalog.FieldRule{
			{Selector: `a[href*="city"], [data-testid*="location"], .breadcrumbs`},
		},
	}

	withHeading := crawler.Page{HTML: `<html><head><meta property="og:title" content="OG Name"></head>
<body><h1>  The   Loft </h1><nav class="breadcrumbs"> UK &gt; <b>London</b> </nav></body></html>`}
	d, err := New().ExtractDetail(withHeading, rules)
	require.NoError(t, err)
	require.Equal(t, "The Loft", d.Name)
	require.Equal(t, "UK > London", d.City)

	metaOnly := crawler.Page{HTML: `<html><head><meta property="og:title" content=" OG  Name "></head><body><h1> </h1></body></html>`}
	d, err = New().ExtractDetail(metaOnly, rules)
	require.NoError(t, err)
	require.Equal(t, "OG Name", d.Name)
	require.Empty(t, d.City)
}
