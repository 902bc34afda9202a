package scim

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterParser parses SCIM filter expressions (RFC 7644 section 3.4.2.2)
type FilterParser struct {
	input string
	pos   int
}

// Filter is a parsed SCIM filter evaluated over a resource document.
type Filter interface {
	Matches(doc Document) bool
}

// AttributeExpression is a comparison or presence test on an attribute path.
type AttributeExpression struct {
	AttributePath string
	Operator      string
	Value         any
}

// LogicalExpression combines filters with and/or/not.
type LogicalExpression struct {
	Operator string
	Left     Filter
	Right    Filter
}

// GroupExpression is a parenthesized filter.
type GroupExpression struct {
	Filter Filter
}

// ValuePathExpression applies a sub-filter to the elements of a multi-valued
// attribute, e.g. members[value eq "42"].
type ValuePathExpression struct {
	AttributePath string
	ValueFilter   Filter
}

// NewFilterParser creates a new filter parser
func NewFilterParser(filter string) *FilterParser {
	return &FilterParser{
		input: strings.TrimSpace(filter),
		pos:   0,
	}
}

// Parse parses the filter expression
func (p *FilterParser) Parse() (Filter, error) {
	if p.input == "" {
		return nil, nil
	}
	f, err := p.parseLogicalOr()
	if err != nil {
		return nil, err
	}
	p.skipWhitespace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected input at position %d", p.pos)
	}
	return f, nil
}

// parseLogicalOr parses OR expressions; and binds tighter than or
func (p *FilterParser) parseLogicalOr() (Filter, error) {
	left, err := p.parseLogicalAnd()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.matchKeyword("or") {
			break
		}
		p.pos += 2
		p.skipWhitespace()

		right, err := p.parseLogicalAnd()
		if err != nil {
			return nil, err
		}

		left = &LogicalExpression{Operator: "or", Left: left, Right: right}
	}

	return left, nil
}

// parseLogicalAnd parses AND expressions
func (p *FilterParser) parseLogicalAnd() (Filter, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		p.skipWhitespace()
		if !p.matchKeyword("and") {
			break
		}
		p.pos += 3
		p.skipWhitespace()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &LogicalExpression{Operator: "and", Left: left, Right: right}
	}

	return left, nil
}

// parseNot parses NOT expressions
func (p *FilterParser) parseNot() (Filter, error) {
	p.skipWhitespace()
	if p.matchKeyword("not") {
		p.pos += 3
		p.skipWhitespace()

		filter, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		return &LogicalExpression{Operator: "not", Left: filter}, nil
	}

	return p.parsePrimary()
}

// parsePrimary parses grouped expressions, value paths, comparisons, and
// presence tests.
func (p *FilterParser) parsePrimary() (Filter, error) {
	p.skipWhitespace()

	if p.peek() == '(' {
		p.pos++
		filter, err := p.parseLogicalOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.pos++
		return &GroupExpression{Filter: filter}, nil
	}

	attrPath := p.parseAttributePath()
	if attrPath == "" {
		return nil, fmt.Errorf("expected attribute path at position %d", p.pos)
	}

	// Value path: attrPath[valFilter]
	if p.peek() == '[' {
		p.pos++
		inner, err := p.parseLogicalOr()
		if err != nil {
			return nil, err
		}
		p.skipWhitespace()
		if p.peek() != ']' {
			return nil, fmt.Errorf("expected ']' at position %d", p.pos)
		}
		p.pos++
		return &ValuePathExpression{AttributePath: attrPath, ValueFilter: inner}, nil
	}

	p.skipWhitespace()

	op := p.parseOperator()
	if op == "" {
		return nil, fmt.Errorf("expected operator at position %d", p.pos)
	}

	// pr (present) takes no value
	if op == "pr" {
		return &AttributeExpression{AttributePath: attrPath, Operator: "pr"}, nil
	}

	p.skipWhitespace()
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	return &AttributeExpression{AttributePath: attrPath, Operator: op, Value: value}, nil
}

// parseAttributePath consumes an attribute path, including an optional URN
// prefix (urn:...:User:manager.value) and dotted sub-attributes.
func (p *FilterParser) parseAttributePath() string {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if isAlphaNumeric(ch) || ch == '.' || ch == ':' || ch == '-' || ch == '$' {
			p.pos++
			continue
		}
		break
	}
	return p.input[start:p.pos]
}

// parseOperator parses a comparison operator; operators are case-insensitive
func (p *FilterParser) parseOperator() string {
	p.skipWhitespace()
	operators := []string{"eq", "ne", "co", "sw", "ew", "pr", "gt", "ge", "lt", "le"}

	for _, op := range operators {
		if p.matchKeyword(op) {
			p.pos += len(op)
			return op
		}
	}

	return ""
}

// parseValue parses a compare value (string, number, boolean, null)
func (p *FilterParser) parseValue() (any, error) {
	p.skipWhitespace()

	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected value at position %d", p.pos)
	}

	// JSON-escaped double-quoted string
	if p.peek() == '"' {
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) && p.input[p.pos] != '"' {
			ch := p.input[p.pos]
			if ch == '\\' && p.pos+1 < len(p.input) {
				p.pos++
				switch p.input[p.pos] {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				case 'r':
					sb.WriteByte('\r')
				case '"', '\\', '/':
					sb.WriteByte(p.input[p.pos])
				default:
					sb.WriteByte('\\')
					sb.WriteByte(p.input[p.pos])
				}
				p.pos++
				continue
			}
			sb.WriteByte(ch)
			p.pos++
		}
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("unterminated string in filter")
		}
		p.pos++ // closing quote
		return sb.String(), nil
	}

	if p.matchKeyword("true") {
		p.pos += 4
		return true, nil
	}
	if p.matchKeyword("false") {
		p.pos += 5
		return false, nil
	}
	if p.matchKeyword("null") {
		p.pos += 4
		return nil, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == '-') {
		p.pos++
	}
	if p.pos > start {
		return strconv.ParseFloat(p.input[start:p.pos], 64)
	}

	return nil, fmt.Errorf("invalid value at position %d", p.pos)
}

func (p *FilterParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *FilterParser) skipWhitespace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *FilterParser) matchKeyword(keyword string) bool {
	if p.pos+len(keyword) > len(p.input) {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:p.pos+len(keyword)], keyword) {
		return false
	}
	// Keyword must not be part of a larger word
	if p.pos+len(keyword) < len(p.input) {
		nextChar := p.input[p.pos+len(keyword)]
		if isAlphaNumeric(nextChar) {
			return false
		}
	}
	return true
}

func isAlphaNumeric(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// caseExactAttributes lists the attributes whose string values compare
// case-sensitively; everything else follows the caseExact=false default.
var caseExactAttributes = map[string]bool{
	"id": true,
}

// Matches evaluates a comparison against a document. Multi-valued attributes
// match when any element matches.
func (ae *AttributeExpression) Matches(doc Document) bool {
	values := resolveAttributePath(doc, ae.AttributePath)

	if ae.Operator == "pr" {
		for _, v := range values {
			if isPresent(v) {
				return true
			}
		}
		return false
	}

	caseExact := caseExactAttributes[strings.ToLower(lastPathSegment(ae.AttributePath))]
	for _, v := range values {
		if compareValues(v, ae.Operator, ae.Value, caseExact) {
			return true
		}
	}
	return false
}

// Matches evaluates a logical combination
func (le *LogicalExpression) Matches(doc Document) bool {
	switch le.Operator {
	case "and":
		return le.Left.Matches(doc) && le.Right.Matches(doc)
	case "or":
		return le.Left.Matches(doc) || le.Right.Matches(doc)
	case "not":
		return !le.Left.Matches(doc)
	}
	return false
}

// Matches evaluates the inner filter
func (ge *GroupExpression) Matches(doc Document) bool {
	return ge.Filter.Matches(doc)
}

// Matches returns true when any element of the multi-valued attribute
// satisfies the value filter.
func (vp *ValuePathExpression) Matches(doc Document) bool {
	return len(vp.SelectElements(doc)) > 0
}

// SelectElements returns the elements of the target attribute that satisfy
// the value filter. The patch engine uses this to locate targets.
func (vp *ValuePathExpression) SelectElements(doc Document) []map[string]any {
	values := resolveAttributePath(doc, vp.AttributePath)
	var matched []map[string]any
	for _, v := range values {
		elem, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if vp.ValueFilter == nil || vp.ValueFilter.Matches(Document(elem)) {
			matched = append(matched, elem)
		}
	}
	return matched
}

// resolveAttributePath walks a dotted, optionally URN-qualified path through
// the document and returns every leaf value it reaches. Arrays fan out: a
// path like "emails.type" yields the type of every email.
func resolveAttributePath(doc Document, path string) []any {
	urn, rest := SplitURNPath(path)

	var current any = map[string]any(doc)
	if urn != "" {
		ext, ok := doc.Get(urn)
		if !ok {
			return nil
		}
		current = ext
		if rest == "" {
			return []any{current}
		}
	}

	values := []any{current}
	for _, part := range strings.Split(rest, ".") {
		var next []any
		for _, v := range values {
			switch t := v.(type) {
			case map[string]any:
				if child, ok := Document(t).Get(part); ok {
					next = append(next, child)
				}
			case []any:
				for _, elem := range t {
					if m, ok := elem.(map[string]any); ok {
						if child, ok := Document(m).Get(part); ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		values = next
		if len(values) == 0 {
			return nil
		}
	}

	// Flatten one level so multi-valued leaves compare element-wise.
	var out []any
	for _, v := range values {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

// SplitURNPath splits an attribute path into its URN namespace prefix and
// the remaining attribute path. Paths without a URN return ("", path).
func SplitURNPath(path string) (urn, rest string) {
	if !strings.HasPrefix(strings.ToLower(path), "urn:") {
		return "", path
	}
	// A path that is exactly a schema URN targets the whole extension.
	for _, schema := range []string{SchemaUser, SchemaGroup, SchemaEnterpriseUser} {
		if strings.EqualFold(path, schema) {
			return path, ""
		}
		if prefix := schema + ":"; len(path) > len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
			return path[:len(schema)], path[len(prefix):]
		}
	}
	// Unknown namespace: the attribute path begins after the last colon.
	idx := strings.LastIndex(path, ":")
	return path[:idx], path[idx+1:]
}

func lastPathSegment(path string) string {
	_, rest := SplitURNPath(path)
	if i := strings.LastIndex(rest, "."); i >= 0 {
		return rest[i+1:]
	}
	return rest
}

// isPresent implements pr: present means non-nil, non-empty string, and
// non-empty array.
func isPresent(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// compareValues applies a comparison operator to an attribute value and a
// filter literal. Strings compare case-insensitively unless the attribute is
// caseExact; ordering operators are lexical for strings (which covers
// ISO-8601 timestamps) and numeric for numbers.
func compareValues(attr any, op string, literal any, caseExact bool) bool {
	switch op {
	case "eq":
		return valuesEqual(attr, literal, caseExact)
	case "ne":
		return !valuesEqual(attr, literal, caseExact)
	case "co", "sw", "ew":
		aStr, aOK := attr.(string)
		bStr, bOK := literal.(string)
		if !aOK || !bOK {
			return false
		}
		a, b := strings.ToLower(aStr), strings.ToLower(bStr)
		switch op {
		case "co":
			return strings.Contains(a, b)
		case "sw":
			return strings.HasPrefix(a, b)
		default:
			return strings.HasSuffix(a, b)
		}
	case "gt", "ge", "lt", "le":
		return compareOrdered(attr, op, literal)
	}
	return false
}

func valuesEqual(attr, literal any, caseExact bool) bool {
	if attr == nil || literal == nil {
		return attr == nil && literal == nil
	}

	if aStr, ok := attr.(string); ok {
		if bStr, ok := literal.(string); ok {
			if caseExact {
				return aStr == bStr
			}
			return strings.EqualFold(aStr, bStr)
		}
		return false
	}

	if aNum, ok := toFloat64(attr); ok {
		if bNum, ok := toFloat64(literal); ok {
			return aNum == bNum
		}
		return false
	}

	if aBool, ok := attr.(bool); ok {
		if bBool, ok := literal.(bool); ok {
			return aBool == bBool
		}
		return false
	}

	return false
}

func compareOrdered(attr any, op string, literal any) bool {
	if aNum, ok := toFloat64(attr); ok {
		bNum, ok := toFloat64(literal)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return aNum > bNum
		case "ge":
			return aNum >= bNum
		case "lt":
			return aNum < bNum
		default:
			return aNum <= bNum
		}
	}

	aStr, aOK := attr.(string)
	bStr, bOK := literal.(string)
	if !aOK || !bOK {
		return false
	}
	switch op {
	case "gt":
		return aStr > bStr
	case "ge":
		return aStr >= bStr
	case "lt":
		return aStr < bStr
	default:
		return aStr <= bStr
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}
