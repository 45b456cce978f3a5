package ingestion

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

// ChunkUnit is the measure used for chunk size and overlap.
type ChunkUnit string

const (
	UnitChars  ChunkUnit = "chars"
	UnitTokens ChunkUnit = "tokens"
)

// Chunker splits prose into passages no larger than maxSize units. Paragraph
// boundaries are preferred, then sentence boundaries, then hard cuts.
type Chunker struct {
	maxSize int
	overlap int
	unit    ChunkUnit
}

type ChunkerOption func(*Chunker)

func WithMaxSize(n int) ChunkerOption {
	return func(c *Chunker) { c.maxSize = n }
}

// WithOverlap sets how much of the previous passage's tail prefixes the next.
func WithOverlap(n int) ChunkerOption {
	return func(c *Chunker) { c.overlap = n }
}

func WithUnit(u ChunkUnit) ChunkerOption {
	return func(c *Chunker) { c.unit = u }
}

func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{maxSize: 1000, overlap: 100, unit: UnitChars}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSize < 1 {
		c.maxSize = 1
	}
	if c.unit != UnitTokens {
		c.unit = UnitChars
	}
	if c.overlap < 0 {
		c.overlap = 0
	}
	if c.overlap > c.maxSize/2 {
		c.overlap = c.maxSize / 2
	}
	return c
}

// Chunk returns passages in source order. Every passage, overlap included, is
// at most maxSize units.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	budget := c.maxSize - c.overlap
	if c.overlap > 0 && c.unit == UnitChars {
		// joining space after the overlap
		budget--
	}
	if budget < 1 {
		budget = 1
	}

	var passages []string
	var cur string
	for _, para := range splitParagraphs(text) {
		newParagraph := true
		for _, piece := range c.pieces(para, budget) {
			sep := " "
			if newParagraph {
				sep = "\n\n"
			}
			newParagraph = false

			if cur == "" {
				cur = piece
				continue
			}
			if joined := cur + sep + piece; c.size(joined) <= budget {
				cur = joined
				continue
			}
			passages = append(passages, cur)
			cur = piece
		}
	}
	if cur != "" {
		passages = append(passages, cur)
	}

	if c.overlap == 0 || len(passages) < 2 {
		return passages
	}

	out := make([]string, len(passages))
	out[0] = passages[0]
	for i := 1; i < len(passages); i++ {
		if tail := c.tail(passages[i-1]); tail != "" {
			out[i] = tail + " " + passages[i]
		} else {
			out[i] = passages[i]
		}
	}
	return out
}

func (c *Chunker) size(s string) int {
	if c.unit == UnitTokens {
		return len(strings.Fields(s))
	}
	return utf8.RuneCountInString(s)
}

// pieces breaks one paragraph into units that each fit the budget.
func (c *Chunker) pieces(para string, budget int) []string {
	if c.size(para) <= budget {
		return []string{para}
	}
	var out []string
	for _, s := range sentences(para) {
		if c.size(s) <= budget {
			out = append(out, s)
			continue
		}
		out = append(out, c.hardCut(s, budget)...)
	}
	return out
}

func sentences(para string) []string {
	doc, err := prose.NewDocument(para,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []string{para}
	}

	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{para}
	}
	return out
}

func (c *Chunker) hardCut(s string, budget int) []string {
	var out []string
	if c.unit == UnitTokens {
		words := strings.Fields(s)
		for len(words) > 0 {
			n := min(budget, len(words))
			out = append(out, strings.Join(words[:n], " "))
			words = words[n:]
		}
		return out
	}

	runes := []rune(s)
	for len(runes) > 0 {
		if len(runes) <= budget {
			out = append(out, strings.TrimSpace(string(runes)))
			break
		}
		cut := budget
		// back off to a space in the second half of the window
		for i := budget; i > budget/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return out
}

// tail returns the trailing overlap span of a passage, starting on a word
// boundary when one is available.
func (c *Chunker) tail(passage string) string {
	if c.unit == UnitTokens {
		words := strings.Fields(passage)
		if len(words) > c.overlap {
			words = words[len(words)-c.overlap:]
		}
		return strings.Join(words, " ")
	}

	runes := []rune(passage)
	n := c.overlap - 1
	if n <= 0 {
		return ""
	}
	if len(runes) <= n {
		return strings.TrimSpace(passage)
	}
	start := len(runes) - n
	if !unicode.IsSpace(runes[start-1]) {
		for i := start; i < len(runes); i++ {
			if unicode.IsSpace(runes[i]) {
				start = i + 1
				break
			}
		}
	}
	return strings.TrimSpace(string(runes[start:]))
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}
