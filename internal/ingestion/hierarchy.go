package ingestion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bank-rag/backend/internal/apperr"
	"github.com/bank-rag/backend/internal/extract"
	"github.com/bank-rag/backend/internal/storage/models"
	"github.com/bank-rag/backend/pkg/utils"
)

const pathSeparator = " > "

// HierarchyNode is one record with links to its parent and ordered children.
type HierarchyNode struct {
	Record   *models.StructuredRecord
	Parent   *HierarchyNode
	Children []*HierarchyNode
}

// HierarchyTree is the in-memory view of one table's records. It is never
// persisted; it exists to validate depth and parent links before commit.
type HierarchyTree struct {
	Table string
	Roots []*HierarchyNode
	// Nodes holds every node in source row order.
	Nodes []*HierarchyNode
	// Signal names the level columns that were used.
	Signal string
	// Clamped counts rows whose level jump was reduced.
	Clamped int
}

// Records returns the flattened records in source order.
func (t *HierarchyTree) Records() []models.StructuredRecord {
	out := make([]models.StructuredRecord, len(t.Nodes))
	for i, n := range t.Nodes {
		out[i] = *n.Record
	}
	return out
}

// Validate checks that roots sit at level 0, every child is exactly one level
// below its parent and references its key, there are no cycles, and children
// keep source order.
func (t *HierarchyTree) Validate() error {
	for _, n := range t.Nodes {
		r := n.Record
		if n.Parent == nil {
			if r.Level != 0 || r.ParentKey != "" {
				return fmt.Errorf("root %q has level %d and parent %q", r.RecordKey, r.Level, r.ParentKey)
			}
		} else {
			p := n.Parent.Record
			if p.Level != r.Level-1 {
				return fmt.Errorf("record %q at level %d under parent at level %d", r.RecordKey, r.Level, p.Level)
			}
			if r.ParentKey != p.RecordKey {
				return fmt.Errorf("record %q references parent %q, linked to %q", r.RecordKey, r.ParentKey, p.RecordKey)
			}
		}

		steps := 0
		for a := n.Parent; a != nil; a = a.Parent {
			if a == n || steps > len(t.Nodes) {
				return fmt.Errorf("cycle at record %q", r.RecordKey)
			}
			steps++
		}

		for i := 1; i < len(n.Children); i++ {
			if n.Children[i-1].Record.Position >= n.Children[i].Record.Position {
				return fmt.Errorf("children of %q out of source order", r.RecordKey)
			}
		}
	}
	return nil
}

type HierarchyBuilder struct {
	matchers []LevelMatcher
}

func NewHierarchyBuilder(matchers ...LevelMatcher) *HierarchyBuilder {
	if len(matchers) == 0 {
		matchers = DefaultLevelMatchers()
	}
	return &HierarchyBuilder{matchers: matchers}
}

func (b *HierarchyBuilder) signal(header []string) (LevelSignal, bool) {
	for _, m := range b.matchers {
		if s, ok := m.Match(header); ok {
			return s, true
		}
	}
	return nil, false
}

// Build reconstructs the forest of one merged table with a depth stack. A row
// deeper than the deepest open level plus one is clamped to that level, and a
// row without a level continues at the previous row's level.
func (b *HierarchyBuilder) Build(tenantID, documentID string, table *extract.Table) (*HierarchyTree, error) {
	name := tableName(table)

	signal, ok := b.signal(table.Header)
	if !ok {
		return nil, &apperr.HierarchyError{Table: name, Columns: table.Header, Err: apperr.ErrNoLevelColumn}
	}

	tree := &HierarchyTree{Table: name, Signal: signal.Describe()}
	var stack []*HierarchyNode
	siblings := make(map[*HierarchyNode]map[string]int)
	prevLevel := 0

	for pos, row := range table.Rows {
		level, ok := signal.Level(row)
		if !ok {
			level = prevLevel
		}
		if level > len(stack) {
			level = len(stack)
			tree.Clamped++
		}
		stack = stack[:level]

		var parent *HierarchyNode
		if level > 0 {
			parent = stack[level-1]
		}

		recName := signal.Name(row)
		if recName == "" {
			recName = "row " + strconv.Itoa(row.Line)
		}

		// Duplicate sibling names get an ordinal so record keys stay unique.
		seen := siblings[parent]
		if seen == nil {
			seen = make(map[string]int)
			siblings[parent] = seen
		}
		seen[strings.ToLower(recName)]++
		keyName := recName
		if n := seen[strings.ToLower(recName)]; n > 1 {
			keyName = fmt.Sprintf("%s#%d", recName, n)
		}

		rec := &models.StructuredRecord{
			TenantID:   tenantID,
			DocumentID: documentID,
			TableName:  name,
			Level:      level,
			Name:       recName,
			Fields:     fieldsOf(table.Header, row),
			Position:   pos,
		}
		if parent == nil {
			rec.RecordKey = name + "::" + keyName
			rec.Path = name + "::" + recName
		} else {
			rec.ParentKey = parent.Record.RecordKey
			rec.RecordKey = parent.Record.RecordKey + pathSeparator + keyName
			rec.Path = parent.Record.Path + pathSeparator + recName
		}
		rec.Fingerprint = RecordFingerprint(rec)
		rec.ID = RecordID(tenantID, documentID, rec.RecordKey)

		node := &HierarchyNode{Record: rec, Parent: parent}
		if parent == nil {
			tree.Roots = append(tree.Roots, node)
		} else {
			parent.Children = append(parent.Children, node)
		}
		tree.Nodes = append(tree.Nodes, node)
		stack = append(stack, node)
		prevLevel = level
	}

	return tree, nil
}

// RecordFingerprint hashes the normalized column values, level and parent key.
func RecordFingerprint(r *models.StructuredRecord) string {
	parts := make([]string, 0, len(r.Fields)+2)
	parts = append(parts, strconv.Itoa(r.Level), r.ParentKey)
	for _, f := range r.Fields {
		parts = append(parts, utils.NormalizeText(f.Column)+"="+utils.NormalizeText(f.Value))
	}
	return utils.Fingerprint(parts...)
}

// RecordID is stable for a record key within one tenant document.
func RecordID(tenantID, documentID, recordKey string) string {
	return utils.Fingerprint("record", tenantID, documentID, recordKey)[:32]
}

func fieldsOf(header []string, row extract.Row) []models.Field {
	fields := make([]models.Field, len(header))
	for i, h := range header {
		fields[i] = models.Field{Column: h, Value: row.Cell(i)}
	}
	return fields
}

func tableName(t *extract.Table) string {
	if t.Title != "" {
		return t.Title
	}
	return t.Source
}

// FlattenTable renders a table without a level signal as prose lines so its
// content still reaches semantic search.
func FlattenTable(t *extract.Table) string {
	var b strings.Builder
	if name := tableName(t); name != "" {
		b.WriteString(name)
		b.WriteString("\n")
	}
	for _, row := range t.Rows {
		first := true
		for i, h := range t.Header {
			v := row.Cell(i)
			if v == "" {
				continue
			}
			if !first {
				b.WriteString("; ")
			}
			first = false
			b.WriteString(h)
			b.WriteString(": ")
			b.WriteString(v)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
