package ddbtest

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// tokenize splits an expression into names, placeholders, keywords and symbols.
func tokenize(expr string) ([]string, error) {
	var toks []string
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == ',' || r == '=' || r == '+' || r == '-':
			toks = append(toks, string(r))
			i++
		case r == '<' || r == '>':
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				toks = append(toks, string(rs[i:i+2]))
				i += 2
				continue
			}
			toks = append(toks, string(r))
			i++
		case isWordRune(r):
			j := i
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			toks = append(toks, string(rs[i:j]))
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return toks, nil
}

func isWordRune(r rune) bool {
	return r == '_' || r == '#' || r == ':' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	toks   []string
	pos    int
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) keyword(kw string) bool {
	return strings.EqualFold(p.peek(), kw)
}

// evalCondition evaluates a condition expression against item (nil = absent).
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, item: item, names: names, values: values}
	ok, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected token %q", p.peek())
	}
	return ok, nil
}

func (p *parser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) parseNot() (bool, error) {
	if p.keyword("NOT") {
		p.next()
		v, err := p.parseNot()
		return !v, err
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (bool, error) {
	if p.peek() == "(" {
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	}

	tok := p.next()
	if tok == "" {
		return false, fmt.Errorf("unexpected end of expression")
	}
	if p.peek() == "(" {
		return p.parseFunc(tok)
	}

	left, err := p.operand(tok)
	if err != nil {
		return false, err
	}
	cmp := p.next()
	right, err := p.operand(p.next())
	if err != nil {
		return false, err
	}
	return compare(cmp, left, right)
}

func (p *parser) parseFunc(name string) (bool, error) {
	if err := p.expect("("); err != nil {
		return false, err
	}
	var args []string
	for p.peek() != ")" {
		if p.peek() == "" {
			return false, fmt.Errorf("unterminated call to %s", name)
		}
		args = append(args, p.next())
		if p.peek() == "," {
			p.next()
		}
	}
	p.next()

	switch strings.ToLower(name) {
	case "attribute_exists", "attribute_not_exists":
		if len(args) != 1 {
			return false, fmt.Errorf("%s takes 1 argument", name)
		}
		attr, err := p.resolveName(args[0])
		if err != nil {
			return false, err
		}
		_, exists := p.item[attr]
		if strings.ToLower(name) == "attribute_exists" {
			return exists, nil
		}
		return !exists, nil
	case "attribute_type":
		if len(args) != 2 {
			return false, fmt.Errorf("%s takes 2 arguments", name)
		}
		v, err := p.operand(args[0])
		if err != nil {
			return false, err
		}
		want, err := p.operand(args[1])
		if err != nil {
			return false, err
		}
		s, ok := want.(*types.AttributeValueMemberS)
		if !ok {
			return false, fmt.Errorf("attribute_type wants a string type name")
		}
		return v != nil && typeName(v) == s.Value, nil
	case "begins_with":
		if len(args) != 2 {
			return false, fmt.Errorf("%s takes 2 arguments", name)
		}
		v, err := p.operand(args[0])
		if err != nil {
			return false, err
		}
		prefix, err := p.operand(args[1])
		if err != nil {
			return false, err
		}
		a, ok1 := v.(*types.AttributeValueMemberS)
		b, ok2 := prefix.(*types.AttributeValueMemberS)
		return ok1 && ok2 && strings.HasPrefix(a.Value, b.Value), nil
	}
	return false, fmt.Errorf("unsupported function %s", name)
}

// resolveName maps a name placeholder to an attribute name.
func (p *parser) resolveName(tok string) (string, error) {
	if strings.HasPrefix(tok, "#") {
		name, ok := p.names[tok]
		if !ok {
			return "", fmt.Errorf("undefined name placeholder %s", tok)
		}
		return name, nil
	}
	if strings.HasPrefix(tok, ":") {
		return "", fmt.Errorf("value placeholder %s used as a path", tok)
	}
	return tok, nil
}

// operand resolves a placeholder value or an attribute path. Missing
// attributes resolve to nil.
func (p *parser) operand(tok string) (types.AttributeValue, error) {
	if strings.HasPrefix(tok, ":") {
		v, ok := p.values[tok]
		if !ok {
			return nil, fmt.Errorf("undefined value placeholder %s", tok)
		}
		return v, nil
	}
	attr, err := p.resolveName(tok)
	if err != nil {
		return nil, err
	}
	return p.item[attr], nil
}

func compare(op string, a, b types.AttributeValue) (bool, error) {
	if a == nil || b == nil {
		switch op {
		case "=", "<>", "<", "<=", ">", ">=":
			return false, nil
		}
		return false, fmt.Errorf("unsupported comparator %q", op)
	}
	switch op {
	case "=":
		return equal(a, b), nil
	case "<>":
		return !equal(a, b), nil
	}
	c, ok := order(a, b)
	if !ok {
		return false, nil
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unsupported comparator %q", op)
}

func order(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberN:
		y, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		rx, okx := new(big.Rat).SetString(x.Value)
		ry, oky := new(big.Rat).SetString(y.Value)
		if !okx || !oky {
			return 0, false
		}
		return rx.Cmp(ry), true
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Value, y.Value), true
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x.Value, y.Value), true
	}
	return 0, false
}

func equal(a, b types.AttributeValue) bool {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		y, ok := b.(*types.AttributeValueMemberS)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberN:
		c, ok := order(a, b)
		return ok && c == 0
	case *types.AttributeValueMemberB:
		y, ok := b.(*types.AttributeValueMemberB)
		return ok && bytes.Equal(x.Value, y.Value)
	case *types.AttributeValueMemberBOOL:
		y, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && x.Value == y.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberSS:
		y, ok := b.(*types.AttributeValueMemberSS)
		return ok && sameSet(x.Value, y.Value)
	case *types.AttributeValueMemberNS:
		y, ok := b.(*types.AttributeValueMemberNS)
		if !ok {
			return false
		}
		xs := make([]string, len(x.Value))
		for i, n := range x.Value {
			xs[i] = normalizeNumber(n)
		}
		ys := make([]string, len(y.Value))
		for i, n := range y.Value {
			ys[i] = normalizeNumber(n)
		}
		return sameSet(xs, ys)
	case *types.AttributeValueMemberBS:
		y, ok := b.(*types.AttributeValueMemberBS)
		if !ok {
			return false
		}
		xs := make([]string, len(x.Value))
		for i, v := range x.Value {
			xs[i] = string(v)
		}
		ys := make([]string, len(y.Value))
		for i, v := range y.Value {
			ys[i] = string(v)
		}
		return sameSet(xs, ys)
	case *types.AttributeValueMemberL:
		y, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		for i := range x.Value {
			if !equal(x.Value[i], y.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		y, ok := b.(*types.AttributeValueMemberM)
		if !ok || len(x.Value) != len(y.Value) {
			return false
		}
		for k, xv := range x.Value {
			yv, ok := y.Value[k]
			if !ok || !equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// normalizeNumber renders a numeric literal canonically.
func normalizeNumber(n string) string {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(n))
	if !ok {
		return n
	}
	return r.RatString()
}

func typeName(av types.AttributeValue) string {
	switch av.(type) {
	case *types.AttributeValueMemberS:
		return "S"
	case *types.AttributeValueMemberN:
		return "N"
	case *types.AttributeValueMemberB:
		return "B"
	case *types.AttributeValueMemberBOOL:
		return "BOOL"
	case *types.AttributeValueMemberNULL:
		return "NULL"
	case *types.AttributeValueMemberSS:
		return "SS"
	case *types.AttributeValueMemberNS:
		return "NS"
	case *types.AttributeValueMemberBS:
		return "BS"
	case *types.AttributeValueMemberL:
		return "L"
	case *types.AttributeValueMemberM:
		return "M"
	}
	return ""
}

// applyUpdate applies SET and REMOVE clauses. Right-hand sides read from
// before, the item as it was prior to the update.
func applyUpdate(expr string, before, next map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	toks, err := tokenize(expr)
	if err != nil {
		return err
	}
	p := &parser{toks: toks, item: before, names: names, values: values}

	for p.pos < len(p.toks) {
		section := strings.ToUpper(p.next())
		switch section {
		case "SET":
			for {
				attr, err := p.resolveName(p.next())
				if err != nil {
					return err
				}
				if err := p.expect("="); err != nil {
					return err
				}
				v, err := p.operand(p.next())
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("SET %s from a missing attribute", attr)
				}
				next[attr] = v
				if p.peek() != "," {
					break
				}
				p.next()
			}
		case "REMOVE":
			for {
				attr, err := p.resolveName(p.next())
				if err != nil {
					return err
				}
				delete(next, attr)
				if p.peek() != "," {
					break
				}
				p.next()
			}
		default:
			return fmt.Errorf("unsupported update section %q", section)
		}
	}
	return nil
}
