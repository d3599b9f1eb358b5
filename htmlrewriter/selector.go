// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package htmlrewriter

import (
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// ErrSelectorParse marks selectors the rewriter cannot compile. The
// message matches what workers observe at transform time.
var ErrSelectorParse = errs.Class("TypeError")

func unsupportedPseudo() error {
	return ErrSelectorParse.New("Parser error: Unsupported pseudo-class or pseudo-element in selector.")
}

// selector is a compiled selector: compounds right to left, with the
// combinator that links each compound to the one on its left.
type selector struct {
	compounds []compound
}

type combinator int

const (
	combinatorNone combinator = iota
	combinatorDescendant
	combinatorChild
)

// compound is one simple-selector sequence, for example `p.note[id]`.
type compound struct {
	// link relates this compound to the previous (closer to the target)
	// compound during matching.
	link      combinator
	tag       string
	id        string
	classes   []string
	attrs     []attrMatcher
	nthChild  int
	nthOfType int
	not       *compound
	universal bool
}

type attrMatcher struct {
	name  string
	op    string // "", "=", "~=", "^=", "$=", "*=", "|="
	value string
	fold  bool // case-insensitive value comparison
}

// elementInfo is what a compound matches against: one open element.
type elementInfo struct {
	tag        string
	attrs      map[string]string
	childIndex int // 1-based position among element siblings
	typeIndex  int // 1-based position among same-tag siblings
}

func (c *compound) matches(el *elementInfo) bool {
	if c.tag != "" && c.tag != el.tag {
		return false
	}
	if c.id != "" && el.attrs["id"] != c.id {
		return false
	}
	for _, class := range c.classes {
		if !hasClass(el.attrs["class"], class) {
			return false
		}
	}
	for _, attr := range c.attrs {
		if !attr.matches(el) {
			return false
		}
	}
	if c.nthChild != 0 && el.childIndex != c.nthChild {
		return false
	}
	if c.nthOfType != 0 && el.typeIndex != c.nthOfType {
		return false
	}
	if c.not != nil && c.not.matches(el) {
		return false
	}
	return true
}

func hasClass(classAttr, class string) bool {
	for _, field := range strings.Fields(classAttr) {
		if field == class {
			return true
		}
	}
	return false
}

func (m attrMatcher) matches(el *elementInfo) bool {
	value, ok := el.attrs[m.name]
	if !ok {
		return false
	}
	if m.op == "" {
		return true
	}
	want := m.value
	if m.fold {
		value = strings.ToLower(value)
		want = strings.ToLower(want)
	}
	switch m.op {
	case "=":
		return value == want
	case "~=":
		for _, field := range strings.Fields(value) {
			if field == want {
				return true
			}
		}
		return false
	case "^=":
		return want != "" && strings.HasPrefix(value, want)
	case "$=":
		return want != "" && strings.HasSuffix(value, want)
	case "*=":
		return want != "" && strings.Contains(value, want)
	case "|=":
		return value == want || strings.HasPrefix(value, want+"-")
	default:
		return false
	}
}

// matches runs the compiled selector against the open-element stack,
// where stack[len-1] is the element under consideration.
func (s *selector) matches(stack []*elementInfo) bool {
	if len(stack) == 0 {
		return false
	}
	return matchFrom(s.compounds, stack, len(stack)-1)
}

func matchFrom(compounds []compound, stack []*elementInfo, position int) bool {
	if !compounds[0].matches(stack[position]) {
		return false
	}
	rest := compounds[1:]
	if len(rest) == 0 {
		return true
	}
	switch rest[0].link {
	case combinatorChild:
		if position == 0 {
			return false
		}
		return matchFrom(rest, stack, position-1)
	default:
		for ancestor := position - 1; ancestor >= 0; ancestor-- {
			if matchFrom(rest, stack, ancestor) {
				return true
			}
		}
		return false
	}
}

// parseSelector compiles a selector string. The compounds are stored
// right to left so matching starts at the candidate element.
func parseSelector(input string) (*selector, error) {
	parts, links, err := splitCombinators(input)
	if err != nil {
		return nil, err
	}
	compiled := &selector{}
	for k := 0; k < len(parts); k++ {
		i := len(parts) - 1 - k
		c, err := parseCompound(parts[i])
		if err != nil {
			return nil, err
		}
		if k > 0 {
			// how this compound relates to the one on its right
			c.link = links[i]
		}
		compiled.compounds = append(compiled.compounds, c)
	}
	return compiled, nil
}

// splitCombinators breaks the selector at top-level spaces and `>`,
// leaving bracketed and parenthesised sections intact.
func splitCombinators(input string) (parts []string, links []combinator, err error) {
	var current strings.Builder
	depth := 0
	pendingLink := combinatorNone
	flush := func() error {
		part := strings.TrimSpace(current.String())
		current.Reset()
		if part == "" {
			return nil
		}
		if len(parts) > 0 {
			if pendingLink == combinatorNone {
				pendingLink = combinatorDescendant
			}
			links = append(links, pendingLink)
		}
		pendingLink = combinatorNone
		parts = append(parts, part)
		return nil
	}
	for _, r := range input {
		switch {
		case r == '[' || r == '(':
			depth++
			current.WriteRune(r)
		case r == ']' || r == ')':
			depth--
			current.WriteRune(r)
		case depth == 0 && (r == ' ' || r == '\t'):
			if err := flush(); err != nil {
				return nil, nil, err
			}
		case depth == 0 && r == '>':
			if err := flush(); err != nil {
				return nil, nil, err
			}
			pendingLink = combinatorChild
		default:
			current.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	if len(parts) == 0 {
		return nil, nil, ErrSelectorParse.New("Parser error: empty selector")
	}
	return parts, links, nil
}

// parseCompound parses one simple-selector sequence.
func parseCompound(input string) (compound, error) {
	var c compound
	rest := input
	first := true
	for rest != "" {
		switch rest[0] {
		case '*':
			if !first {
				return c, ErrSelectorParse.New("Parser error: unexpected *")
			}
			c.universal = true
			rest = rest[1:]
		case '.':
			name, remainder := takeIdent(rest[1:])
			if name == "" {
				return c, ErrSelectorParse.New("Parser error: expected class name")
			}
			c.classes = append(c.classes, name)
			rest = remainder
		case '#':
			name, remainder := takeIdent(rest[1:])
			if name == "" {
				return c, ErrSelectorParse.New("Parser error: expected id")
			}
			c.id = name
			rest = remainder
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return c, ErrSelectorParse.New("Parser error: unterminated attribute selector")
			}
			matcher, err := parseAttrMatcher(rest[1:end])
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, matcher)
			rest = rest[end+1:]
		case ':':
			var err error
			rest, err = parsePseudo(rest[1:], &c)
			if err != nil {
				return c, err
			}
		default:
			if !first {
				return c, ErrSelectorParse.New("Parser error: unexpected %q", rest)
			}
			name, remainder := takeIdent(rest)
			if name == "" {
				return c, ErrSelectorParse.New("Parser error: unexpected %q", rest)
			}
			c.tag = strings.ToLower(name)
			rest = remainder
		}
		first = false
	}
	return c, nil
}

func parsePseudo(rest string, c *compound) (string, error) {
	name, remainder := takeIdent(rest)
	switch name {
	case "first-child":
		c.nthChild = 1
		return remainder, nil
	case "first-of-type":
		c.nthOfType = 1
		return remainder, nil
	case "nth-child", "nth-of-type":
		argument, after, err := takeParenArg(remainder)
		if err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimSpace(argument))
		if err != nil || n < 1 {
			return "", unsupportedPseudo()
		}
		if name == "nth-child" {
			c.nthChild = n
		} else {
			c.nthOfType = n
		}
		return after, nil
	case "not":
		argument, after, err := takeParenArg(remainder)
		if err != nil {
			return "", err
		}
		inner, err := parseCompound(strings.TrimSpace(argument))
		if err != nil {
			return "", err
		}
		c.not = &inner
		return after, nil
	default:
		return "", unsupportedPseudo()
	}
}

func takeParenArg(rest string) (argument, after string, err error) {
	if rest == "" || rest[0] != '(' {
		return "", "", unsupportedPseudo()
	}
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return "", "", ErrSelectorParse.New("Parser error: unterminated argument")
	}
	return rest[1:end], rest[end+1:], nil
}

func takeIdent(rest string) (ident, remainder string) {
	end := 0
	for end < len(rest) {
		r := rest[end]
		if r == '.' || r == '#' || r == '[' || r == ':' || r == '*' || r == '(' || r == ')' {
			break
		}
		end++
	}
	return rest[:end], rest[end:]
}

// parseAttrMatcher parses the inside of an attribute selector, without
// the brackets: name, optional operator and value, optional i/s flag.
func parseAttrMatcher(input string) (attrMatcher, error) {
	input = strings.TrimSpace(input)
	opIndex := -1
	op := ""
	for _, candidate := range []string{"~=", "^=", "$=", "*=", "|=", "="} {
		if i := strings.Index(input, candidate); i >= 0 {
			opIndex, op = i, candidate
			break
		}
	}
	if opIndex < 0 {
		return attrMatcher{name: strings.ToLower(input)}, nil
	}
	name := strings.ToLower(strings.TrimSpace(input[:opIndex]))
	value := strings.TrimSpace(input[opIndex+len(op):])

	fold := false
	// a trailing i or s flag, set off by a closing quote or whitespace
	if len(value) >= 2 {
		flag := value[len(value)-1]
		rest := value[:len(value)-1]
		trimmed := strings.TrimRight(rest, " \t")
		spaced := len(trimmed) < len(rest)
		if (flag == 'i' || flag == 'I' || flag == 's' || flag == 'S') &&
			trimmed != "" && (spaced || endsQuoted(trimmed)) {
			fold = flag == 'i' || flag == 'I'
			value = trimmed
		}
	}
	value = unquote(value)
	return attrMatcher{name: name, op: op, value: value, fold: fold}, nil
}

func endsQuoted(value string) bool {
	return len(value) >= 2 && (value[len(value)-1] == '"' || value[len(value)-1] == '\'')
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
