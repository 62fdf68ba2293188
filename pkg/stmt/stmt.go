// Package stmt classifies SQL statements by the shape of the result they produce.
// A read statement yields a row set; everything else yields mutation metadata
// (last inserted row id and affected row count). The classification only
// decides result shape, it never influences locking.
package stmt

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind is the result shape of a statement.
type Kind int

const (
	// Read statements return rows: SELECT, VALUES, PRAGMA, EXPLAIN and
	// WITH clauses that do not wrap a mutation.
	Read Kind = iota
	// Mutation statements return last insert id and affected rows.
	Mutation
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Mutation:
		return "mutation"
	default:
		return "unknown"
	}
}

// readKeywords start a statement that only produces rows.
var readKeywords = map[string]bool{
	"SELECT":  true,
	"VALUES":  true,
	"PRAGMA":  true,
	"EXPLAIN": true,
}

// mutationKeywords turn a WITH statement into a mutation when they appear
// at the top nesting level.
var mutationKeywords = map[string]bool{
	"INSERT":  true,
	"UPDATE":  true,
	"DELETE":  true,
	"REPLACE": true,
}

// Classify returns the kind of query. Leading whitespace, comments and
// opening parentheses are skipped before the first keyword is read.
func Classify(query string) Kind {
	sc := scanner{src: query}
	first, depth := sc.next()
	if first == "" {
		return Mutation
	}
	if readKeywords[first] {
		return Read
	}
	if first != "WITH" {
		return Mutation
	}

	// WITH ... SELECT is a read, WITH ... INSERT/UPDATE/DELETE is not. The
	// CTE bodies themselves sit inside parentheses, so only tokens at the
	// depth of the WITH keyword count.
	for {
		word, d := sc.next()
		if word == "" {
			return Read
		}
		if d != depth {
			continue
		}
		if mutationKeywords[word] {
			return Mutation
		}
		if word == "SELECT" || word == "VALUES" {
			return Read
		}
	}
}

// Classifier memoizes Classify for repeated query strings.
type Classifier struct {
	cache *lru.Cache[string, Kind]
}

// NewClassifier creates a classifier that remembers up to size queries.
// A non-positive size disables caching.
func NewClassifier(size int) *Classifier {
	if size <= 0 {
		return &Classifier{}
	}
	cache, err := lru.New[string, Kind](size)
	if err != nil {
		return &Classifier{}
	}
	return &Classifier{cache: cache}
}

// Classify returns the kind of query, consulting the cache first.
func (c *Classifier) Classify(query string) Kind {
	if c == nil || c.cache == nil {
		return Classify(query)
	}
	if k, ok := c.cache.Get(query); ok {
		return k
	}
	k := Classify(query)
	c.cache.Add(query, k)
	return k
}

// Len returns the number of cached classifications.
func (c *Classifier) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// scanner walks a query returning upper-cased bare words together with
// the parenthesis depth they appear at. String literals, quoted
// identifiers and comments are skipped.
type scanner struct {
	src   string
	pos   int
	depth int
}

func (s *scanner) next() (string, int) {
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '(':
			s.depth++
			s.pos++
		case c == ')':
			if s.depth > 0 {
				s.depth--
			}
			s.pos++
		case c == '-' && s.peek(1) == '-':
			s.skipLine()
		case c == '/' && s.peek(1) == '*':
			s.skipBlock()
		case c == '\'' || c == '"' || c == '`':
			s.skipQuoted(c)
		case c == '[':
			s.skipQuoted(']')
		case isWordStart(c):
			start := s.pos
			for s.pos < len(s.src) && isWordPart(s.src[s.pos]) {
				s.pos++
			}
			return strings.ToUpper(s.src[start:s.pos]), s.depth
		default:
			s.pos++
		}
	}
	return "", s.depth
}

func (s *scanner) peek(off int) byte {
	if s.pos+off < len(s.src) {
		return s.src[s.pos+off]
	}
	return 0
}

func (s *scanner) skipLine() {
	for s.pos < len(s.src) && s.src[s.pos] != '\n' {
		s.pos++
	}
}

func (s *scanner) skipBlock() {
	s.pos += 2
	for s.pos < len(s.src) {
		if s.src[s.pos] == '*' && s.peek(1) == '/' {
			s.pos += 2
			return
		}
		s.pos++
	}
}

// skipQuoted skips a literal opened at s.pos and closed by end. A doubled
// closing character is an escape, as in 'it''s'.
func (s *scanner) skipQuoted(end byte) {
	s.pos++
	for s.pos < len(s.src) {
		if s.src[s.pos] == end {
			if s.peek(1) == end && end != ']' {
				s.pos += 2
				continue
			}
			s.pos++
			return
		}
		s.pos++
	}
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}
