package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Op is a comparison operator of a filter term.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
	OpLe Op = "le"
	OpIn Op = "in"
)

// Expr is a query filter. It renders to the OData-like text sent on the
// wire, and can be evaluated against a property resolver.
type Expr interface {
	String() string
	// Eval reports whether the instance described by resolve matches.
	// A resolver may return a []any for multi-valued relationships; a
	// term then matches when any element matches.
	Eval(resolve func(prop string) (any, bool)) bool
}

// Term compares one property with a literal, or with a list for OpIn.
type Term struct {
	Prop  string
	Op    Op
	Value any
	List  []any
}

type logical struct {
	and   bool
	parts []Expr
}

// Eq, Ne, Gt, Ge, Lt and Le build comparison terms.
func Eq(prop string, v any) Expr { return Term{Prop: prop, Op: OpEq, Value: v} }
func Ne(prop string, v any) Expr { return Term{Prop: prop, Op: OpNe, Value: v} }
func Gt(prop string, v any) Expr { return Term{Prop: prop, Op: OpGt, Value: v} }
func Ge(prop string, v any) Expr { return Term{Prop: prop, Op: OpGe, Value: v} }
func Lt(prop string, v any) Expr { return Term{Prop: prop, Op: OpLt, Value: v} }
func Le(prop string, v any) Expr { return Term{Prop: prop, Op: OpLe, Value: v} }

// In matches when prop equals any of values.
func In[T any](prop string, values []T) Expr {
	list := make([]any, len(values))
	for i, v := range values {
		list[i] = v
	}
	return Term{Prop: prop, Op: OpIn, List: list}
}

// And joins non-nil parts. It returns nil when nothing is left.
func And(parts ...Expr) Expr { return join(true, parts) }

// Or joins non-nil parts. It returns nil when nothing is left.
func Or(parts ...Expr) Expr { return join(false, parts) }

func join(and bool, parts []Expr) Expr {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return logical{and: and, parts: kept}
	}
}

func (t Term) String() string {
	if t.Op == OpIn {
		vals := make([]string, len(t.List))
		for i, v := range t.List {
			vals[i] = literal(v)
		}
		return fmt.Sprintf("%s in [%s]", t.Prop, strings.Join(vals, ","))
	}
	return fmt.Sprintf("%s %s %s", t.Prop, t.Op, literal(t.Value))
}

func (t Term) Eval(resolve func(string) (any, bool)) bool {
	v, ok := resolve(t.Prop)
	if !ok {
		v = nil
	}
	if many, isList := v.([]any); isList {
		if t.Op == OpNe {
			for _, x := range many {
				if !t.match(x) {
					return false
				}
			}
			return true
		}
		for _, x := range many {
			if t.match(x) {
				return true
			}
		}
		return false
	}
	return t.match(v)
}

func (t Term) match(v any) bool {
	if t.Op == OpIn {
		for _, x := range t.List {
			if compare(v, x) == 0 {
				return true
			}
		}
		return false
	}
	c := compare(v, t.Value)
	switch t.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpGt:
		return c == 1
	case OpGe:
		return c == 0 || c == 1
	case OpLt:
		return c == -1
	case OpLe:
		return c == 0 || c == -1
	default:
		return false
	}
}

func (l logical) String() string {
	word := " or "
	if l.and {
		word = " and "
	}
	parts := make([]string, len(l.parts))
	for i, p := range l.parts {
		s := p.String()
		if inner, ok := p.(logical); ok && inner.and != l.and {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, word)
}

func (l logical) Eval(resolve func(string) (any, bool)) bool {
	for _, p := range l.parts {
		if p.Eval(resolve) != l.and {
			return !l.and
		}
	}
	return l.and
}

func literal(v any) string {
	if v == nil {
		return "null"
	}
	if f, ok := number(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(x)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

// compare returns -1, 0 or 1, or 2 when the values are not comparable.
func compare(a, b any) int {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		return 2
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 2
		}
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok && ba == bb {
			return 0
		}
		return 2
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 2
	}
	return strings.Compare(sa, sb)
}

// number converts any numeric kind, including named integer types and
// json.Number, to float64.
func number(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

var errFilterSyntax = errors.New("filter syntax error")

// ParseFilter parses the text form produced by Expr.String. An empty string
// yields a nil Expr.
func ParseFilter(s string) (Expr, error) {
	p := &parser{toks: tokenize(s)}
	if len(p.toks) == 0 {
		return nil, nil
	}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: unexpected %q", errFilterSyntax, p.toks[p.pos].text)
	}
	return e, nil
}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) []token {
	var toks []token
	r := []rune(s)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')' || c == '[' || c == ']' || c == ',':
			toks = append(toks, token{text: string(c)})
			i++
		case c == '\'':
			var b strings.Builder
			i++
			for i < len(r) {
				if r[i] == '\'' {
					if i+1 < len(r) && r[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteRune(r[i])
				i++
			}
			toks = append(toks, token{text: b.String(), quoted: true})
		default:
			j := i
			for j < len(r) && !unicode.IsSpace(r[j]) && !strings.ContainsRune("()[],'", r[j]) {
				j++
			}
			toks = append(toks, token{text: string(r[i:j])})
			i = j
		}
	}
	return toks
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, error) {
	t, ok := p.peek()
	if !ok {
		return token{}, fmt.Errorf("%w: unexpected end", errFilterSyntax)
	}
	p.pos++
	return t, nil
}

func (p *parser) keyword(word string) bool {
	t, ok := p.peek()
	if ok && !t.quoted && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) or() (Expr, error) {
	first, err := p.and()
	if err != nil {
		return nil, err
	}
	parts := []Expr{first}
	for p.keyword("or") {
		e, err := p.and()
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return Or(parts...), nil
}

func (p *parser) and() (Expr, error) {
	first, err := p.unary()
	if err != nil {
		return nil, err
	}
	parts := []Expr{first}
	for p.keyword("and") {
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	return And(parts...), nil
}

func (p *parser) unary() (Expr, error) {
	if p.keyword("(") {
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.keyword(")") {
			return nil, fmt.Errorf("%w: missing )", errFilterSyntax)
		}
		return e, nil
	}
	return p.term()
}

func (p *parser) term() (Expr, error) {
	prop, err := p.next()
	if err != nil {
		return nil, err
	}
	if prop.quoted {
		return nil, fmt.Errorf("%w: property expected, got %q", errFilterSyntax, prop.text)
	}
	opTok, err := p.next()
	if err != nil {
		return nil, err
	}
	op := Op(strings.ToLower(opTok.text))
	switch op {
	case OpIn:
		if !p.keyword("[") {
			return nil, fmt.Errorf("%w: [ expected", errFilterSyntax)
		}
		var list []any
		for !p.keyword("]") {
			v, err := p.next()
			if err != nil {
				return nil, err
			}
			list = append(list, parseLiteral(v))
			p.keyword(",")
		}
		return Term{Prop: prop.text, Op: OpIn, List: list}, nil
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		v, err := p.next()
		if err != nil {
			return nil, err
		}
		return Term{Prop: prop.text, Op: op, Value: parseLiteral(v)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", errFilterSyntax, opTok.text)
	}
}

func parseLiteral(t token) any {
	if t.quoted {
		return t.text
	}
	switch strings.ToLower(t.text) {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t.text, 64); err == nil {
		return f
	}
	return t.text
}
