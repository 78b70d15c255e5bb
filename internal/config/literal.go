package config

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
)

// Tuple is a normalized tuple literal such as "(224, 224, 3)".
// It serializes back to the same spelling so normalization round-trips.
type Tuple []any

// String renders the tuple with Python spelling.
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = literalString(v)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// MarshalYAML emits the tuple as its literal spelling.
func (t Tuple) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// Ints converts every element to int; false if one is not integral.
func (t Tuple) Ints() ([]int, bool) {
	out := make([]int, len(t))
	for i, v := range t {
		switch n := v.(type) {
		case int:
			out[i] = n
		case float64:
			if n != math.Trunc(n) {
				return nil, false
			}
			out[i] = int(n)
		default:
			return nil, false
		}
	}
	return out, true
}

func literalString(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case *big.Int:
		return x.String()
	case float64:
		return formatPyFloat(x)
	case string:
		return strconv.Quote(x)
	case Tuple:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = literalString(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(x)
	}
}

// formatPyFloat keeps a decimal point so the value re-parses as a float.
func formatPyFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// EvalLiteral evaluates s as a Python literal expression. It reports
// ok only when the value is a bool, int, float or tuple; every other
// outcome (syntax error, string, list, dict, None) leaves ok false.
// Integers that overflow int come back as *big.Int. A sign may precede
// a parenthesized number, as in "-(1)", but not another sign.
func EvalLiteral(s string) (value any, ok bool) {
	p := &litParser{src: strings.TrimSpace(s)}
	if p.src == "" {
		return nil, false
	}
	v, err := p.parseTop()
	if err != nil {
		return nil, false
	}
	switch v.(type) {
	case bool, int, *big.Int, float64, Tuple:
		return v, true
	}
	return nil, false
}

// litParser is a recursive-descent parser for the subset of Python
// literal syntax accepted by ast.literal_eval.
type litParser struct {
	src string
	pos int
}

func (p *litParser) errorf(format string, args ...any) error {
	return fmt.Errorf("literal at %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *litParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n' || p.src[p.pos] == '\r') {
		p.pos++
	}
}

func (p *litParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// parseTop handles a bare expression list: "1, 2" is a tuple.
func (p *litParser) parseTop() (any, error) {
	first, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.peek() == ',' {
		items := Tuple{first}
		for p.peek() == ',' {
			p.pos++
			if p.peek() == 0 {
				break
			}
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		first = items
	}
	if p.peek() != 0 {
		return nil, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return first, nil
}

func (p *litParser) parseValue() (any, error) {
	switch c := p.peek(); {
	case c == 0:
		return nil, p.errorf("unexpected end of input")
	case c == '(':
		return p.parseSeq('(', ')')
	case c == '[':
		return p.parseSeq('[', ']')
	case c == '{':
		return p.parseDict()
	case c == '\'' || c == '"':
		return p.parseString()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	case unicode.IsLetter(rune(c)) || c == '_':
		return p.parseName()
	default:
		return nil, p.errorf("unexpected character %q", c)
	}
}

func (p *litParser) parseSeq(open, close byte) (any, error) {
	p.pos++ // open
	var items []any
	trailingComma := false
	for {
		if p.peek() == close {
			p.pos++
			break
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		trailingComma = false
		switch p.peek() {
		case ',':
			p.pos++
			trailingComma = true
		case close:
		default:
			return nil, p.errorf("expected ',' or %q", close)
		}
	}
	if open == '[' {
		if items == nil {
			items = []any{}
		}
		return items, nil
	}
	// "(x)" is a parenthesized value, "(x,)" and "()" are tuples.
	if len(items) == 1 && !trailingComma {
		return items[0], nil
	}
	return Tuple(items), nil
}

func (p *litParser) parseDict() (any, error) {
	p.pos++ // {
	out := map[string]any{}
	for {
		if p.peek() == '}' {
			p.pos++
			return out, nil
		}
		k, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if p.peek() != ':' {
			// set literal; only the fact that it parses matters
			out[fmt.Sprint(k)] = nil
		} else {
			p.pos++
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = v
		}
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return nil, p.errorf("expected ',' or '}'")
		}
	}
}

func (p *litParser) parseString() (any, error) {
	quote := p.src[p.pos]
	start := p.pos
	p.pos++
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '\\' {
			p.pos += 2
			continue
		}
		if c == quote {
			p.pos++
			raw := p.src[start:p.pos]
			if quote == '\'' {
				raw = `"` + strings.ReplaceAll(raw[1:len(raw)-1], `"`, `\"`) + `"`
			}
			s, err := strconv.Unquote(raw)
			if err != nil {
				return p.src[start+1 : p.pos-1], nil
			}
			return s, nil
		}
		p.pos++
	}
	return nil, p.errorf("unterminated string")
}

func (p *litParser) parseName() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && (unicode.IsLetter(rune(p.src[p.pos])) || unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '_') {
		p.pos++
	}
	switch p.src[start:p.pos] {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	return nil, p.errorf("name %q is not a literal", p.src[start:p.pos])
}

func (p *litParser) parseNumber() (any, error) {
	neg := false
	if c := p.src[p.pos]; c == '+' || c == '-' {
		neg = c == '-'
		p.pos++
		if p.peek() == 0 {
			return nil, p.errorf("dangling sign")
		}
	}
	v, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if neg {
		switch n := v.(type) {
		case int:
			v = -n
		case *big.Int:
			v = normInt(new(big.Int).Neg(n))
		case float64:
			v = -n
		}
	}
	return v, nil
}

// parseOperand reads an unsigned number, possibly wrapped in parentheses.
func (p *litParser) parseOperand() (any, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, p.errorf("expected ')' after number")
		}
		p.pos++
		return v, nil
	}
	if c := p.peek(); c != '.' && (c < '0' || c > '9') {
		return nil, p.errorf("expected number")
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '.' || c == '_' {
			p.pos++
			continue
		}
		if (c == '+' || c == '-') && p.pos > start && (p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') && !isPrefixedInt(p.src[start:p.pos]) {
			p.pos++
			continue
		}
		break
	}
	v, err := parseNumberToken(p.src[start:p.pos])
	if err != nil {
		return nil, p.errorf("%v", err)
	}
	return v, nil
}

// normInt returns n as an int when it fits.
func normInt(n *big.Int) any {
	if n.IsInt64() && n.Int64() >= math.MinInt && n.Int64() <= math.MaxInt {
		return int(n.Int64())
	}
	return n
}

func isPrefixedInt(tok string) bool {
	if len(tok) < 2 || tok[0] != '0' {
		return false
	}
	switch tok[1] {
	case 'x', 'X', 'o', 'O', 'b', 'B':
		return true
	}
	return false
}

func parseNumberToken(tok string) (any, error) {
	if strings.HasPrefix(tok, "_") || strings.HasSuffix(tok, "_") || strings.Contains(tok, "__") {
		return nil, fmt.Errorf("invalid underscore in %q", tok)
	}
	clean := strings.ReplaceAll(tok, "_", "")
	if isPrefixedInt(clean) {
		n, ok := new(big.Int).SetString(clean, 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
		return normInt(n), nil
	}
	if strings.ContainsAny(clean, "jJ") {
		return nil, fmt.Errorf("complex literal %q", tok)
	}
	if strings.ContainsAny(clean, ".eE") {
		if strings.ContainsAny(clean, "abcdfghijklmnopqrstuvwxyzABCDFGHIJKLMNOPQRSTUVWXYZ") {
			return nil, fmt.Errorf("invalid float %q", tok)
		}
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	for _, r := range clean {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
	}
	// Python 3 rejects leading zeros on non-zero decimals.
	if len(clean) > 1 && clean[0] == '0' && strings.Trim(clean, "0") != "" {
		return nil, fmt.Errorf("leading zeros in %q", tok)
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", tok)
	}
	return normInt(n), nil
}
