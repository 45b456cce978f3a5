package ingestion

import (
	"github.com/bank-rag/backend/internal/extract"
)

// MergeContinuations joins tables split across pages or sheets. A table is
// appended to the previous one when both headers are identical in names and
// order and it starts on the page or sheet right after the previous one ends.
// Input must be in page/sheet order; the inputs are not modified.
func MergeContinuations(tables []*extract.Table) []*extract.Table {
	merged := make([]*extract.Table, 0, len(tables))

	for _, t := range tables {
		if n := len(merged); n > 0 {
			prev := merged[n-1]
			if t.FirstIndex == prev.LastIndex+1 && sameHeader(prev.Header, t.Header) {
				prev.Rows = append(prev.Rows, t.Rows...)
				prev.LastIndex = t.LastIndex
				continue
			}
		}

		cp := *t
		cp.Rows = append([]extract.Row(nil), t.Rows...)
		merged = append(merged, &cp)
	}

	return merged
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
