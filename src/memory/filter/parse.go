package filter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// Filter is a parsed conjunction of predicates, evaluable against records.
// The embedded backend uses it for search pre-filtering, scalar queries, and
// deletes; the Postgres backend renders the same predicates to SQL.
type Filter struct {
	Preds []Predicate
}

// Predicate is one `field OP value` clause. Exactly one of Str, Num, or List
// is meaningful depending on how the value parsed.
type Predicate struct {
	Field string
	Op    string
	Str   string
	Num   int64
	IsNum bool
	List  []string
}

// Parse parses an expression produced by Build/And. An empty expression
// yields a filter that matches everything.
func Parse(expr string) (Filter, error) {
	var f Filter
	s := scanner{src: expr}
	s.skipSpace()
	if s.eof() {
		return f, nil
	}
	for {
		pred, err := s.predicate()
		if err != nil {
			return Filter{}, err
		}
		f.Preds = append(f.Preds, pred)
		s.skipSpace()
		if s.eof() {
			return f, nil
		}
		if !s.keyword("and") {
			return Filter{}, fmt.Errorf("expected 'and' at %q", s.rest())
		}
	}
}

// Match reports whether the record satisfies every predicate.
func (f Filter) Match(rec model.MemoryRecord) bool {
	for _, p := range f.Preds {
		if !p.match(rec) {
			return false
		}
	}
	return true
}

func (p Predicate) match(rec model.MemoryRecord) bool {
	switch p.Field {
	case model.FieldMemoryID:
		return p.matchInt(rec.ID)
	case model.FieldCreateTime:
		return p.matchInt(rec.CreateTime)
	case model.FieldSessionID:
		return p.matchString(rec.SessionID)
	case model.FieldPersonalityID:
		return p.matchString(rec.PersonalityID)
	}
	return false
}

func (p Predicate) matchInt(v int64) bool {
	if p.Op == "in" {
		for _, item := range p.List {
			if n, err := strconv.ParseInt(item, 10, 64); err == nil && n == v {
				return true
			}
		}
		return false
	}
	if !p.IsNum {
		return false
	}
	switch p.Op {
	case "==":
		return v == p.Num
	case "!=":
		return v != p.Num
	case ">":
		return v > p.Num
	case ">=":
		return v >= p.Num
	case "<":
		return v < p.Num
	case "<=":
		return v <= p.Num
	}
	return false
}

func (p Predicate) matchString(v string) bool {
	switch p.Op {
	case "==":
		return v == p.Str
	case "!=":
		return v != p.Str
	case "in":
		for _, item := range p.List {
			if item == v {
				return true
			}
		}
		return false
	case ">":
		return v > p.Str
	case ">=":
		return v >= p.Str
	case "<":
		return v < p.Str
	case "<=":
		return v <= p.Str
	}
	return false
}

type scanner struct {
	src string
	pos int
}

func (s *scanner) eof() bool    { return s.pos >= len(s.src) }
func (s *scanner) rest() string { return s.src[s.pos:] }

func (s *scanner) skipSpace() {
	for !s.eof() && unicode.IsSpace(rune(s.src[s.pos])) {
		s.pos++
	}
}

// keyword consumes an identifier-like word if it matches exactly.
func (s *scanner) keyword(word string) bool {
	s.skipSpace()
	if strings.HasPrefix(s.src[s.pos:], word) {
		next := s.pos + len(word)
		if next >= len(s.src) || unicode.IsSpace(rune(s.src[next])) {
			s.pos = next
			return true
		}
	}
	return false
}

func (s *scanner) predicate() (Predicate, error) {
	field, err := s.ident()
	if err != nil {
		return Predicate{}, err
	}
	if _, ok := allowedFields[field]; !ok {
		return Predicate{}, fmt.Errorf("field %q not allowed in filter expressions", field)
	}
	op, err := s.operator()
	if err != nil {
		return Predicate{}, err
	}
	pred := Predicate{Field: field, Op: op}
	s.skipSpace()
	if s.eof() {
		return Predicate{}, fmt.Errorf("missing value after %s %s", field, op)
	}
	switch c := s.src[s.pos]; {
	case c == '"':
		str, err := s.quoted()
		if err != nil {
			return Predicate{}, err
		}
		pred.Str = str
	case c == '[':
		list, err := s.list()
		if err != nil {
			return Predicate{}, err
		}
		if op != "in" {
			return Predicate{}, fmt.Errorf("list value requires the 'in' operator, got %q", op)
		}
		pred.List = list
	default:
		num, err := s.number()
		if err != nil {
			return Predicate{}, err
		}
		pred.Num = num
		pred.IsNum = true
	}
	return pred, nil
}

func (s *scanner) ident() (string, error) {
	s.skipSpace()
	start := s.pos
	for !s.eof() {
		c := rune(s.src[s.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		s.pos++
	}
	if s.pos == start {
		return "", fmt.Errorf("expected field name at %q", s.rest())
	}
	return s.src[start:s.pos], nil
}

func (s *scanner) operator() (string, error) {
	s.skipSpace()
	if s.keyword("in") {
		return "in", nil
	}
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(s.src[s.pos:], op) {
			s.pos += len(op)
			if _, ok := allowedOps[op]; ok {
				return op, nil
			}
		}
	}
	return "", fmt.Errorf("expected operator at %q", s.rest())
}

func (s *scanner) quoted() (string, error) {
	// Opening quote already sighted by the caller.
	s.pos++
	var b strings.Builder
	for !s.eof() {
		c := s.src[s.pos]
		switch c {
		case '\\':
			if s.pos+1 >= len(s.src) {
				return "", fmt.Errorf("dangling escape in string literal")
			}
			b.WriteByte(s.src[s.pos+1])
			s.pos += 2
		case '"':
			s.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			s.pos++
		}
	}
	return "", fmt.Errorf("unterminated string literal")
}

func (s *scanner) list() ([]string, error) {
	s.pos++ // consume '['
	var items []string
	for {
		s.skipSpace()
		if s.eof() {
			return nil, fmt.Errorf("unterminated list literal")
		}
		switch s.src[s.pos] {
		case ']':
			s.pos++
			return items, nil
		case '"':
			str, err := s.quoted()
			if err != nil {
				return nil, err
			}
			items = append(items, str)
		case ',':
			s.pos++
		default:
			num, err := s.number()
			if err != nil {
				return nil, err
			}
			items = append(items, strconv.FormatInt(num, 10))
		}
	}
}

func (s *scanner) number() (int64, error) {
	s.skipSpace()
	start := s.pos
	if !s.eof() && (s.src[s.pos] == '-' || s.src[s.pos] == '+') {
		s.pos++
	}
	for !s.eof() && s.src[s.pos] >= '0' && s.src[s.pos] <= '9' {
		s.pos++
	}
	if s.pos == start {
		return 0, fmt.Errorf("expected value at %q", s.rest())
	}
	n, err := strconv.ParseInt(s.src[start:s.pos], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad numeric literal %q: %w", s.src[start:s.pos], err)
	}
	return n, nil
}
