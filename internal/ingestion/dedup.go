package ingestion

import (
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/utils"
)

// RecordDiff partitions structured candidates against what is persisted for
// the same tenant document.
type RecordDiff struct {
	Writes    models.RecordWrites
	Unchanged []models.StructuredRecord
}

// DiffRecords matches candidates to existing records by fingerprint first.
// The fingerprint covers the parent key, so an identical record under another
// parent never matches. Unmatched candidates take over an unmatched existing
// record with the same record key as an update; the rest are inserts, and
// leftover live existing records go stale.
func DiffRecords(candidates, existing []models.StructuredRecord) RecordDiff {
	var diff RecordDiff

	byFingerprint := make(map[string][]int, len(existing))
	for i, e := range existing {
		byFingerprint[e.Fingerprint] = append(byFingerprint[e.Fingerprint], i)
	}
	used := make([]bool, len(existing))

	var unmatched []models.StructuredRecord
	for _, c := range candidates {
		idx := takeFirst(byFingerprint, c.Fingerprint, used)
		if idx < 0 {
			unmatched = append(unmatched, c)
			continue
		}

		e := existing[idx]
		c.ID = e.ID
		c.CreatedAt = e.CreatedAt
		if e.Stale || e.Position != c.Position || e.RecordKey != c.RecordKey {
			diff.Writes.Updates = append(diff.Writes.Updates, c)
		} else {
			diff.Unchanged = append(diff.Unchanged, e)
		}
	}

	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e.ID] = true
	}

	byKey := make(map[string][]int)
	for i, e := range existing {
		if !used[i] {
			byKey[e.RecordKey] = append(byKey[e.RecordKey], i)
		}
	}

	for _, c := range unmatched {
		idx := takeFirst(byKey, c.RecordKey, used)
		if idx < 0 {
			// A moved record may still hold the id derived from this key.
			if taken[c.ID] {
				c.ID = RecordID(c.TenantID, c.DocumentID, c.RecordKey+"@"+c.Fingerprint)
			}
			taken[c.ID] = true
			diff.Writes.Inserts = append(diff.Writes.Inserts, c)
			continue
		}
		c.ID = existing[idx].ID
		c.CreatedAt = existing[idx].CreatedAt
		diff.Writes.Updates = append(diff.Writes.Updates, c)
	}

	for i, e := range existing {
		if !used[i] && !e.Stale {
			e.Stale = true
			diff.Writes.Stale = append(diff.Writes.Stale, e)
		}
	}

	return diff
}

func takeFirst(index map[string][]int, key string, used []bool) int {
	for _, i := range index[key] {
		if !used[i] {
			used[i] = true
			return i
		}
	}
	return -1
}

// ChunkDiff partitions chunk candidates for one document.
type ChunkDiff struct {
	Writes    models.ChunkWrites
	Unchanged []models.DocumentChunk
}

// DiffChunks collapses candidates by fingerprint within the tenant. A
// candidate the document already references is unchanged; one stored live by
// another document is referenced rather than copied; a soft-deleted one is
// revived; anything else is inserted. Chunks the document references but no
// longer produces are released.
//
// tenantExisting is keyed by fingerprint and must cover every candidate
// fingerprint; documentExisting lists the chunks the document currently
// references.
func DiffChunks(candidates []models.DocumentChunk, tenantExisting map[string]models.DocumentChunk, documentExisting []models.DocumentChunk) ChunkDiff {
	var diff ChunkDiff

	referenced := make(map[string]bool, len(documentExisting))
	for _, e := range documentExisting {
		referenced[e.Fingerprint] = true
	}

	produced := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if produced[c.Fingerprint] {
			continue
		}
		produced[c.Fingerprint] = true

		e, ok := tenantExisting[c.Fingerprint]
		switch {
		case ok && !e.Deleted && referenced[c.Fingerprint]:
			diff.Unchanged = append(diff.Unchanged, e)
		case ok && !e.Deleted:
			c.ID = e.ID
			diff.Writes.Refs = append(diff.Writes.Refs, c)
		case ok:
			c.ID = e.ID
			if len(e.Embedding) > 0 && !e.PendingEmbedding {
				c.Embedding = e.Embedding
			}
			diff.Writes.Inserts = append(diff.Writes.Inserts, c)
		default:
			diff.Writes.Inserts = append(diff.Writes.Inserts, c)
		}
	}

	for _, e := range documentExisting {
		if !produced[e.Fingerprint] {
			diff.Writes.Released = append(diff.Writes.Released, e)
		}
	}

	return diff
}

// ChunkFingerprint hashes normalized passage text.
func ChunkFingerprint(text string) string {
	return utils.Fingerprint(utils.NormalizeText(text))
}

// ChunkID is derived from tenant and fingerprint so equal passages of one
// tenant share a single stored entity.
func ChunkID(tenantID, fingerprint string) string {
	return utils.Fingerprint("chunk", tenantID, fingerprint)
}
