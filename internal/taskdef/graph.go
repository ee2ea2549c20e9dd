package taskdef

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/me/gocycle/internal/prereq"
	"github.com/me/gocycle/pkg/model"
)

// Graph syntax:
//
//	a => b => c          chains: b depends on a, c on b
//	a & b | (c & d) => e left sides are boolean expressions
//	a[-P1D]:failed => b  offsets and output qualifiers
//	FAM:succeed-all => b family triggers (all/any members)
//	@clock => a          xtriggers
//	a & b                declares parentless tasks
//
// Comments start with "#". A line ending (or the next line starting) with
// "=>", "&" or "|" continues on the next line.

type atom struct {
	name      string
	offset    string
	qualifier string
	xtrigger  bool
}

func (a atom) String() string {
	s := a.name
	if a.xtrigger {
		s = "@" + s
	}
	if a.offset != "" {
		s += "[" + a.offset + "]"
	}
	if a.qualifier != "" {
		s += ":" + a.qualifier
	}
	return s
}

type node struct {
	op   prereq.Op
	atom atom
	args []*node
}

func (n *node) atoms(fn func(atom)) {
	if n == nil {
		return
	}
	if n.op == prereq.OpLeaf {
		fn(n.atom)
		return
	}
	for _, a := range n.args {
		a.atoms(fn)
	}
}

// dependency is one "left => right" pair of a graph line. left is nil for
// a bare declaration.
type dependency struct {
	left  *node
	right []atom
	line  string
}

var atomPattern = regexp.MustCompile(`^(@)?([A-Za-z0-9_][A-Za-z0-9_+%-]*)(?:\[([^\]]*)\])?(?::([A-Za-z0-9_-]+))?$`)

// logicalLines strips comments and joins continuation lines.
func logicalLines(text string) []string {
	var raw []string
	for _, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			raw = append(raw, line)
		}
	}
	continues := func(s string) bool {
		return strings.HasSuffix(s, "=>") || strings.HasSuffix(s, "&") || strings.HasSuffix(s, "|")
	}
	leads := func(s string) bool {
		return strings.HasPrefix(s, "=>") || strings.HasPrefix(s, "&") || strings.HasPrefix(s, "|")
	}
	var out []string
	for _, line := range raw {
		if n := len(out); n > 0 && (continues(out[n-1]) || leads(line)) {
			out[n-1] += " " + line
			continue
		}
		out = append(out, line)
	}
	return out
}

// parseGraph parses a graph string into dependencies.
func parseGraph(text string) ([]dependency, error) {
	var deps []dependency
	for _, line := range logicalLines(text) {
		parts := strings.Split(line, "=>")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] == "" {
				return nil, fmt.Errorf("graph line %q: empty side of =>", line)
			}
		}
		if len(parts) == 1 {
			right, err := parseRight(parts[0])
			if err != nil {
				return nil, fmt.Errorf("graph line %q: %w", line, err)
			}
			deps = append(deps, dependency{right: right, line: line})
			continue
		}
		for i := 0; i+1 < len(parts); i++ {
			left, err := parseExpr(parts[i])
			if err != nil {
				return nil, fmt.Errorf("graph line %q: %w", line, err)
			}
			right, err := parseRight(parts[i+1])
			if err != nil {
				return nil, fmt.Errorf("graph line %q: %w", line, err)
			}
			deps = append(deps, dependency{left: left, right: right, line: line})
		}
	}
	return deps, nil
}

// parseRight parses an "&"-joined list of names. Qualifiers are dropped so
// that a chain member "b:failed" can also appear on the right.
func parseRight(s string) ([]atom, error) {
	if strings.ContainsAny(s, "|()") {
		return nil, fmt.Errorf("%q: only & may join tasks on the right of =>", s)
	}
	var out []atom
	for _, item := range strings.Split(s, "&") {
		a, err := parseAtom(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		if a.xtrigger {
			return nil, fmt.Errorf("xtrigger %q cannot be triggered", a)
		}
		if a.offset != "" {
			return nil, fmt.Errorf("%q: offsets are only allowed on the left of =>", a)
		}
		a.qualifier = ""
		out = append(out, a)
	}
	return out, nil
}

func parseAtom(s string) (atom, error) {
	m := atomPattern.FindStringSubmatch(s)
	if m == nil {
		return atom{}, fmt.Errorf("invalid graph node %q", s)
	}
	a := atom{xtrigger: m[1] == "@", name: m[2], offset: strings.TrimSpace(m[3]), qualifier: m[4]}
	if strings.Contains(s, "[") && a.offset == "" {
		return atom{}, fmt.Errorf("empty offset in %q", s)
	}
	if a.xtrigger && (a.offset != "" || a.qualifier != "") {
		return atom{}, fmt.Errorf("xtrigger %q takes no offset or qualifier", s)
	}
	return a, nil
}

type token struct {
	kind byte // 'a' atom, '&', '|', '(', ')'
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '&' || c == '|' || c == '(' || c == ')':
			toks = append(toks, token{kind: c})
			i++
		default:
			j := i
			for j < len(s) {
				if s[j] == '[' {
					k := strings.IndexByte(s[j:], ']')
					if k < 0 {
						return nil, fmt.Errorf("unterminated offset in %q", s)
					}
					j += k + 1
					continue
				}
				if strings.IndexByte(" \t&|()", s[j]) >= 0 {
					break
				}
				j++
			}
			toks = append(toks, token{kind: 'a', text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}

type exprParser struct {
	toks []token
	pos  int
}

// parseExpr parses a left-hand boolean expression: "|" binds looser than "&".
func parseExpr(s string) (*node, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in %q", p.toks[p.pos].display(), s)
	}
	return n, nil
}

func (t token) display() string {
	if t.kind == 'a' {
		return t.text
	}
	return string(t.kind)
}

func (p *exprParser) peek() byte {
	if p.pos < len(p.toks) {
		return p.toks[p.pos].kind
	}
	return 0
}

func (p *exprParser) or() (*node, error) {
	return p.binary('|', prereq.OpOr, p.and)
}

func (p *exprParser) and() (*node, error) {
	return p.binary('&', prereq.OpAnd, p.primary)
}

func (p *exprParser) binary(sep byte, op prereq.Op, next func() (*node, error)) (*node, error) {
	first, err := next()
	if err != nil {
		return nil, err
	}
	args := []*node{first}
	for p.peek() == sep {
		p.pos++
		n, err := next()
		if err != nil {
			return nil, err
		}
		args = append(args, n)
	}
	if len(args) == 1 {
		return first, nil
	}
	return &node{op: op, args: args}, nil
}

func (p *exprParser) primary() (*node, error) {
	switch p.peek() {
	case '(':
		p.pos++
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing )")
		}
		p.pos++
		return n, nil
	case 'a':
		a, err := parseAtom(p.toks[p.pos].text)
		if err != nil {
			return nil, err
		}
		p.pos++
		return &node{op: prereq.OpLeaf, atom: a}, nil
	case 0:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q", p.toks[p.pos].display())
}

// taskOutputs maps trigger qualifiers (and their short forms) to outputs.
// "finished" is handled separately: it means succeeded or failed.
var taskOutputs = map[string]string{
	"":              model.OutputSucceeded,
	"succeeded":     model.OutputSucceeded,
	"succeed":       model.OutputSucceeded,
	"failed":        model.OutputFailed,
	"fail":          model.OutputFailed,
	"started":       model.OutputStarted,
	"start":         model.OutputStarted,
	"submitted":     model.OutputSubmitted,
	"submit":        model.OutputSubmitted,
	"submit-failed": model.OutputSubmitFailed,
	"submit-fail":   model.OutputSubmitFailed,
	"expired":       model.OutputExpired,
	"expire":        model.OutputExpired,
}

const finished = "finished"

// splitFamilyQualifier splits "succeed-all" into ("succeed", true).
func splitFamilyQualifier(q string) (base string, all bool, ok bool) {
	switch {
	case strings.HasSuffix(q, "-all"):
		return strings.TrimSuffix(q, "-all"), true, true
	case strings.HasSuffix(q, "-any"):
		return strings.TrimSuffix(q, "-any"), false, true
	}
	return "", false, false
}
