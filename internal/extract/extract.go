// Package extract reads item links and detail fields out of rendered markup
// with goquery selectors.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Adapter implements crawler.Extractor.
type Adapter struct{}

// New returns an Adapter.
func New() *Adapter {
	return &Adapter{}
}

// Extract returns the item links matched by rule, resolved against the page
// URL, in document order. Links that do not resolve to http(s) URLs, match an
// exclude substring or repeat an earlier link are skipped.
func (a *Adapter) Extract(page crawler.Page, rule catalog.LinkRule) ([]crawler.RawCandidate, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(page.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	attr := rule.Attr
	if attr == "" {
		attr = "href"
	}

	matched := 0
	seen := make(map[string]struct{})
	var out []crawler.RawCandidate
	doc.Find(rule.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		matched++
		raw, ok := sel.Attr(attr)
		if !ok {
			return true
		}
		href, ok := resolve(base, raw)
		if !ok || excluded(href, rule.Exclude) {
			return true
		}
		if _, dup := seen[href]; dup {
			return true
		}
		seen[href] = struct{}{}
		out = append(out, crawler.RawCandidate{Href: href, VisibleText: normalize(sel.Text())})
		return rule.MaxItems <= 0 || len(out) < rule.MaxItems
	})
	if matched > 0 && len(out) == 0 && !allExcluded(doc, base, rule, attr) {
		return nil, fmt.Errorf("%d anchors for %q: %w", matched, rule.Selector, crawler.ErrExtractionFailure)
	}
	return out, nil
}

// ExtractDetail applies the name and city rules to an item page. Each field
// takes the first non-empty value among its rules.
func (a *Adapter) ExtractDetail(page crawler.Page, rules catalog.DetailRules) (crawler.Detail, error) {
	doc, err := parse(page)
	if err != nil {
		return crawler.Detail{}, err
	}
	return crawler.Detail{
		Name: firstValue(doc, rules.Name),
		City: firstValue(doc, rules.City),
	}, nil
}

func parse(page crawler.Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return doc, nil
}

func firstValue(doc *goquery.Document, rules []catalog.FieldRule) string {
	for _, rule := range rules {
		if strings.TrimSpace(rule.Selector) == "" {
			continue
		}
		sel := doc.Find(rule.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		var v string
		if rule.Attr != "" {
			v, _ = sel.Attr(rule.Attr)
		} else {
			v = sel.Text()
		}
		if v = normalize(v); v != "" {
			return v
		}
	}
	return ""
}

// resolve turns raw into an absolute http(s) URL without fragment.
func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host == "" {
		return "", false
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), true
}

func excluded(href string, substrings []string) bool {
	for _, s := range substrings {
		if s != "" && strings.Contains(href, s) {
			return true
		}
	}
	return false
}

// allExcluded reports whether every resolvable anchor was dropped by an
// exclude rule, which is a legitimate empty page rather than a failure.
func allExcluded(doc *goquery.Document, base *url.URL, rule catalog.LinkRule, attr string) bool {
	found := false
	doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
		raw, _ := sel.Attr(attr)
		if href, ok := resolve(base, raw); ok && excluded(href, rule.Exclude) {
			found = true
		}
	})
	return found
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
