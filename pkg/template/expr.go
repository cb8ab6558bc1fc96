package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aretw0/lattice/pkg/domain"
)

// ErrExpression is returned for event expressions that do not compile.
var ErrExpression = errors.New("invalid event expression")

// Scope holds the values an expression may read when it runs.
type Scope struct {
	Model map[string]domain.Value
	Event map[string]domain.Value
}

// EffectKind distinguishes element-local effects from server round-trips.
type EffectKind int

const (
	// EffectSetField assigns a field of the rendered element.
	EffectSetField EffectKind = iota + 1
	// EffectInvoke calls a named handler on the authority.
	EffectInvoke
)

// Effect is the outcome of running one compiled expression.
type Effect struct {
	Kind    EffectKind
	Field   string
	Value   domain.Value
	Handler string
	Args    []domain.Value
}

// operand is a compiled value reference.
type operand func(Scope) domain.Value

// action is a compiled expression.
type action func(Scope) Effect

// compiled expression with the event keys it reads.
type expression struct {
	run       action
	eventKeys []string
}

// compileExpression parses one expression against the model keys of a template.
//
//	element.<field> = <operand>
//	$server.<handler>(<operand>, ...)
//
// An operand is model.<key>, event.<key>, a quoted string, a number, true,
// false or null.
func compileExpression(src string, model map[string]bool) (expression, error) {
	p := &parser{src: src, model: model}
	if err := p.lex(); err != nil {
		return expression{}, p.fail("%s", err)
	}
	expr, err := p.statement()
	if err != nil {
		return expression{}, err
	}
	if !p.at(tokEOF) {
		return expression{}, p.fail("unexpected %q after expression", p.peek().text)
	}
	return expr, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	src   string
	model map[string]bool
	toks  []token
	i     int
	keys  []string
}

func (p *parser) fail(format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrExpression, p.src, fmt.Sprintf(format, args...))
}

func (p *parser) lex() error {
	s := p.src
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '$' || c == '_' || unicode.IsLetter(c):
			j := i + 1
			for j < len(s) && (s[j] == '_' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			p.toks = append(p.toks, token{kind: tokIdent, text: s[i:j], pos: i})
			i = j
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(s) && unicode.IsDigit(rune(s[i+1]))):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			p.toks = append(p.toks, token{kind: tokNumber, text: s[i:j], pos: i})
			i = j
		case c == '\'' || c == '"':
			j := strings.IndexByte(s[i+1:], s[i])
			if j < 0 {
				return fmt.Errorf("unterminated string at %d", i)
			}
			p.toks = append(p.toks, token{kind: tokString, text: s[i+1 : i+1+j], pos: i})
			i += j + 2
		case strings.ContainsRune(".=(),", c):
			p.toks = append(p.toks, token{kind: tokPunct, text: string(c), pos: i})
			i++
		default:
			return fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	p.toks = append(p.toks, token{kind: tokEOF, pos: len(s)})
	return nil
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) at(k tokenKind) bool {
	return p.peek().kind == k
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expectPunct(text string) error {
	if t := p.next(); t.kind != tokPunct || t.text != text {
		return p.fail("expected %q at %d", text, t.pos)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", p.fail("expected a name at %d", t.pos)
	}
	return t.text, nil
}

func (p *parser) statement() (expression, error) {
	head, err := p.ident()
	if err != nil {
		return expression{}, err
	}
	if err := p.expectPunct("."); err != nil {
		return expression{}, err
	}
	name, err := p.ident()
	if err != nil {
		return expression{}, err
	}

	switch head {
	case "element":
		if err := p.expectPunct("="); err != nil {
			return expression{}, err
		}
		val, err := p.operand()
		if err != nil {
			return expression{}, err
		}
		field := name
		return expression{
			run: func(s Scope) Effect {
				return Effect{Kind: EffectSetField, Field: field, Value: val(s)}
			},
			eventKeys: p.keys,
		}, nil

	case "$server":
		if err := p.expectPunct("("); err != nil {
			return expression{}, err
		}
		var args []operand
		for !p.atPunct(")") {
			if len(args) > 0 {
				if err := p.expectPunct(","); err != nil {
					return expression{}, err
				}
			}
			arg, err := p.operand()
			if err != nil {
				return expression{}, err
			}
			args = append(args, arg)
		}
		if err := p.expectPunct(")"); err != nil {
			return expression{}, err
		}
		handler := name
		return expression{
			run: func(s Scope) Effect {
				vals := make([]domain.Value, len(args))
				for i, a := range args {
					vals[i] = a(s)
				}
				return Effect{Kind: EffectInvoke, Handler: handler, Args: vals}
			},
			eventKeys: p.keys,
		}, nil
	}
	return expression{}, p.fail("expression must start with element. or $server., got %q", head)
}

func (p *parser) atPunct(text string) bool {
	t := p.peek()
	return (t.kind == tokPunct && t.text == text) || t.kind == tokEOF
}

func (p *parser) operand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		v := t.text
		return func(Scope) domain.Value { return v }, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.fail("bad number %q", t.text)
		}
		var v domain.Value = f
		if i, err := strconv.Atoi(t.text); err == nil {
			v = i
		}
		return func(Scope) domain.Value { return v }, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			v := t.text == "true"
			return func(Scope) domain.Value { return v }, nil
		case "null":
			return func(Scope) domain.Value { return nil }, nil
		case "model", "event":
			if err := p.expectPunct("."); err != nil {
				return nil, err
			}
			key, err := p.ident()
			if err != nil {
				return nil, err
			}
			if t.text == "model" {
				if !p.model[key] {
					return nil, p.fail("model key %q is not declared", key)
				}
				return func(s Scope) domain.Value { return s.Model[key] }, nil
			}
			p.keys = append(p.keys, key)
			return func(s Scope) domain.Value { return s.Event[key] }, nil
		}
	}
	return nil, p.fail("unexpected %q at %d", t.text, t.pos)
}
