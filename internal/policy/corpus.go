// Package policy loads the plain-text policy corpus and answers keyword
// overlap queries against it.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"policy-copilot/internal/domain"
)

const (
	DefaultMaxResults = 3
	MaxSnippetRunes   = 1500
	minTokenLen       = 4
	documentExt       = ".txt"
)

// Document is one policy file.
type Document struct {
	ID   string
	Text string

	lower string
}

// Corpus is an immutable, in-memory set of policy documents.
type Corpus struct {
	docs       []Document
	maxResults int
}

// Load reads every *.txt file directly under dir. Sub-directories are ignored.
// An unreadable directory or file is an error; an empty directory is not.
func Load(dir string, maxResults int) (*Corpus, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("policy: directory must not be empty")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %q: %w", dir, err)
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != documentExt {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("policy: read %q: %w", e.Name(), err)
		}
		docs = append(docs, NewDocument(e.Name(), string(raw)))
	}
	return New(docs, maxResults), nil
}

// New builds a corpus from already loaded documents.
func New(docs []Document, maxResults int) *Corpus {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = NewDocument(d.ID, d.Text)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &Corpus{docs: out, maxResults: maxResults}
}

func NewDocument(id, text string) Document {
	return Document{ID: id, Text: text, lower: strings.ToLower(text)}
}

// Len returns the number of loaded documents.
func (c *Corpus) Len() int {
	return len(c.docs)
}

// Search scores every document by how many distinct query tokens occur in its
// text and returns the best matches, highest score first, ties by document ID.
func (c *Corpus) Search(query string) []domain.PolicyHit {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return []domain.PolicyHit{}
	}

	hits := make([]domain.PolicyHit, 0, len(c.docs))
	for _, d := range c.docs {
		score := overlap(d.lower, tokens)
		if score == 0 {
			continue
		}
		hits = append(hits, domain.PolicyHit{
			Source:  d.ID,
			Snippet: d.snippet(),
			Score:   score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Source < hits[j].Source
	})
	if len(hits) > c.maxResults {
		hits = hits[:c.maxResults]
	}
	return hits
}

// Tokenize lower-cases the query, strips punctuation around each word and keeps
// distinct words longer than three characters. When no word qualifies the
// whole trimmed query is the only token.
func Tokenize(query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var tokens []string
	for _, w := range strings.Fields(q) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len([]rune(w)) < minTokenLen {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		tokens = append(tokens, w)
	}
	if len(tokens) == 0 {
		return []string{q}
	}
	return tokens
}

func overlap(lowerText string, tokens []string) int {
	n := 0
	for _, t := range tokens {
		if strings.Contains(lowerText, t) {
			n++
		}
	}
	return n
}

// snippet is the document text, cut at MaxSnippetRunes.
func (d Document) snippet() string {
	r := []rune(strings.TrimSpace(d.Text))
	if len(r) <= MaxSnippetRunes {
		return string(r)
	}
	return strings.TrimSpace(string(r[:MaxSnippetRunes])) + "..."
}
