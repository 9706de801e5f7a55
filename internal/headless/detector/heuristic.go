// Package detector recognizes bot-verification walls in rendered pages.
package detector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// Heuristic implements a handful of rule-based challenge checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. Keyword hits only count on pages
// shorter than threshold bytes or dominated by scripts.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 16 * 1024
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeSelectors = []string{
	"#challenge-form",
	"#cf-challenge-running",
	"#challenge-stage",
	"#px-captcha",
	`iframe[src*="captcha"]`,
	`iframe[src*="challenges.cloudflare.com"]`,
	`form[action*="captcha"]`,
}

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
}

var challengeKeywords = []string{
	"verify you are human",
	"checking your browser",
	"are you a robot",
	"press & hold",
	"unusual traffic",
	"enable javascript and cookies",
	"captcha",
}

// IsChallenge reports whether the page is a bot-verification wall.
func (h *Heuristic) IsChallenge(page crawler.Page) bool {
	body := page.HTML
	if strings.TrimSpace(body) == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	if len(body) >= h.BodyLengthThreshold && !scriptDensityHigh(body) {
		return false
	}
	text := strings.ToLower(doc.Find("body").Text())
	for _, kw := range challengeKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
