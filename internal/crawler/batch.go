package crawler

import (
	"strings"
)

// buildBatch assembles the batch for one page. Records with an empty dirUrl
// or a dirUrl already present in the batch are skipped; the source is always
// the descriptor's.
func buildBatch(lineage Lineage, records []Record) DeliveryBatch {
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		r.DirURL = strings.TrimSpace(r.DirURL)
		if r.DirURL == "" {
			continue
		}
		if _, dup := seen[r.DirURL]; dup {
			continue
		}
		seen[r.DirURL] = struct{}{}
		r.Source = lineage.SourceID
		out = append(out, r)
	}
	return DeliveryBatch{Records: out, Lineage: lineage}
}

// normalizeText trims and collapses whitespace runs.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
