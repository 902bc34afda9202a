package scim

import (
	"fmt"
	"strings"
)

// PatchOptions carries the endpoint-level switches that widen or narrow what
// a PATCH request may do.
type PatchOptions struct {
	// AllowDottedPaths permits bare dot-notation paths such as
	// name.givenName. URN-qualified and bracketed paths are always allowed.
	AllowDottedPaths bool
	// AllowMultiMemberAdd permits a single add op on members to carry more
	// than one member.
	AllowMultiMemberAdd bool
	// AllowMultiMemberRemove is the symmetric switch for remove.
	AllowMultiMemberRemove bool
}

// PatchProcessor applies RFC 7644 section 3.5.2 patch operations to a
// resource document.
type PatchProcessor struct {
	opts PatchOptions
}

// NewPatchProcessor creates a patch processor
func NewPatchProcessor(opts PatchOptions) *PatchProcessor {
	return &PatchProcessor{opts: opts}
}

// booleanAttributes lists attributes whose string-typed inputs are coerced
// to real booleans.
var booleanAttributes = map[string]bool{
	"active":  true,
	"primary": true,
}

// protectedAttributes are read-only at the document root.
var protectedAttributes = map[string]bool{
	"id":      true,
	"schemas": true,
	"meta":    true,
}

// Apply runs the patch operations against a deep copy of doc and returns the
// mutated copy. The input document is never modified.
func (pp *PatchProcessor) Apply(doc Document, patch *PatchOp) (Document, error) {
	if patch == nil || len(patch.Operations) == 0 {
		return nil, ErrInvalidValue("PATCH request must contain at least one operation")
	}

	result := doc.Clone()
	for i := range patch.Operations {
		if err := pp.applyOperation(result, &patch.Operations[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (pp *PatchProcessor) applyOperation(doc Document, op *PatchOperation) error {
	switch strings.ToLower(op.Op) {
	case "add":
		return pp.applyAdd(doc, op)
	case "replace":
		return pp.applyReplace(doc, op)
	case "remove":
		return pp.applyRemove(doc, op)
	default:
		return ErrInvalidValue(fmt.Sprintf("unsupported patch operation: %s", op.Op))
	}
}

func (pp *PatchProcessor) applyAdd(doc Document, op *PatchOperation) error {
	if op.Value == nil {
		return ErrInvalidValue("add operation requires a value")
	}

	if strings.TrimSpace(op.Path) == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return ErrInvalidValue("add operation without a path requires an object value")
		}
		for k, v := range obj {
			if protectedAttributes[strings.ToLower(k)] {
				return ErrMutability(fmt.Sprintf("attribute %q is read-only", k))
			}
			if err := pp.checkMemberFanout("add", k, nil, v); err != nil {
				return err
			}
			addAttribute(doc, k, v)
		}
		return nil
	}

	path, err := pp.parsePath(op.Path)
	if err != nil {
		return err
	}
	if err := pp.checkMemberFanout("add", path.leafAttribute(), path, op.Value); err != nil {
		return err
	}

	targets, err := path.navigate(doc, true)
	if err != nil {
		return err
	}

	last := path.segments[len(path.segments)-1]
	for _, target := range targets {
		if last.filter != nil {
			// add into selected elements: set the element wholesale when no
			// sub-attribute follows (none does at this point since filtered
			// leaves carry their sub-attribute as a separate segment)
			applyToFilteredElements(target, last, func(elem map[string]any) {
				mergeObject(elem, op.Value)
			})
			continue
		}
		addAttribute(Document(target), last.attribute, op.Value)
	}
	return nil
}

func (pp *PatchProcessor) applyReplace(doc Document, op *PatchOperation) error {
	if op.Value == nil {
		return ErrInvalidValue("replace operation requires a value")
	}

	if strings.TrimSpace(op.Path) == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return ErrInvalidValue("replace operation without a path requires an object value")
		}
		for k, v := range obj {
			if protectedAttributes[strings.ToLower(k)] {
				return ErrMutability(fmt.Sprintf("attribute %q is read-only", k))
			}
			mergeAttribute(doc, k, v)
		}
		return nil
	}

	path, err := pp.parsePath(op.Path)
	if err != nil {
		return err
	}

	targets, err := path.navigate(doc, true)
	if err != nil {
		return err
	}

	last := path.segments[len(path.segments)-1]
	for _, target := range targets {
		if last.filter != nil {
			applyToFilteredElements(target, last, func(elem map[string]any) {
				if obj, ok := op.Value.(map[string]any); ok {
					for k := range elem {
						delete(elem, k)
					}
					for k, v := range obj {
						elem[k] = deepCopyValue(v)
					}
				} else {
					mergeObject(elem, op.Value)
				}
			})
			continue
		}
		replaceAttribute(Document(target), last.attribute, op.Value)
	}
	return nil
}

func (pp *PatchProcessor) applyRemove(doc Document, op *PatchOperation) error {
	if strings.TrimSpace(op.Path) == "" {
		return ErrNoTarget("remove operation requires a path")
	}

	path, err := pp.parsePath(op.Path)
	if err != nil {
		return err
	}
	if err := pp.checkMemberFanout("remove", path.leafAttribute(), path, op.Value); err != nil {
		return err
	}

	targets, err := path.navigate(doc, false)
	if err != nil {
		return err
	}

	last := path.segments[len(path.segments)-1]
	for _, target := range targets {
		removeFromTarget(target, last, op.Value)
	}
	return nil
}

// checkMemberFanout enforces the per-endpoint switches that limit how many
// group members a single op may add or remove.
func (pp *PatchProcessor) checkMemberFanout(verb, attribute string, path *patchPath, value any) error {
	if !strings.EqualFold(attribute, "members") {
		return nil
	}
	if path != nil && path.segments[len(path.segments)-1].filter != nil {
		return nil
	}
	arr, ok := value.([]any)
	if !ok || len(arr) <= 1 {
		return nil
	}
	allowed := pp.opts.AllowMultiMemberAdd
	if verb == "remove" {
		allowed = pp.opts.AllowMultiMemberRemove
	}
	if !allowed {
		return ErrInvalidValue(fmt.Sprintf("a single %s operation may not target multiple members", verb))
	}
	return nil
}

// addAttribute implements add semantics for a direct attribute: arrays
// append, everything else is set.
func addAttribute(doc Document, name string, value any) {
	coerced := coerceAttributeValue(name, value)
	existing, ok := doc.Get(name)
	if ok {
		if existingArr, isArr := existing.([]any); isArr {
			if newArr, valueIsArr := coerced.([]any); valueIsArr {
				doc.Set(name, append(existingArr, deepCopyValue(newArr).([]any)...))
			} else {
				doc.Set(name, append(existingArr, deepCopyValue(coerced)))
			}
			return
		}
		if existingObj, isObj := existing.(map[string]any); isObj {
			if newObj, valueIsObj := coerced.(map[string]any); valueIsObj {
				for k, v := range newObj {
					existingObj[k] = deepCopyValue(v)
				}
				return
			}
		}
	}
	doc.Set(name, deepCopyValue(coerced))
}

func replaceAttribute(doc Document, name string, value any) {
	doc.Set(name, deepCopyValue(coerceAttributeValue(name, value)))
}

// mergeAttribute is the no-path replace semantic: object values deep-merge
// into an existing object, arrays and scalars replace wholesale.
func mergeAttribute(doc Document, name string, value any) {
	coerced := coerceAttributeValue(name, value)
	if existing, ok := doc.Get(name); ok {
		if existingObj, isObj := existing.(map[string]any); isObj {
			if newObj, valueIsObj := coerced.(map[string]any); valueIsObj {
				deepMergeObject(existingObj, newObj)
				return
			}
		}
	}
	doc.Set(name, deepCopyValue(coerced))
}

func deepMergeObject(dst, src map[string]any) {
	for k, v := range src {
		if dstObj, ok := dst[k].(map[string]any); ok {
			if srcObj, ok := v.(map[string]any); ok {
				deepMergeObject(dstObj, srcObj)
				continue
			}
		}
		dst[k] = deepCopyValue(v)
	}
}

// coerceAttributeValue normalizes boolean-typed attributes whose clients send
// string or numeric truth values.
func coerceAttributeValue(name string, value any) any {
	if !booleanAttributes[strings.ToLower(name)] {
		return value
	}
	switch t := value.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true
		case "false", "0":
			return false
		}
	case float64:
		return t != 0
	}
	return value
}

func mergeObject(elem map[string]any, value any) {
	if obj, ok := value.(map[string]any); ok {
		for k, v := range obj {
			elem[k] = deepCopyValue(coerceAttributeValue(k, v))
		}
		return
	}
	elem["value"] = deepCopyValue(value)
}

// applyToFilteredElements runs fn on each element of the segment's array
// attribute that matches its bracket filter. An empty match set is a no-op.
func applyToFilteredElements(target map[string]any, seg pathSegment, fn func(map[string]any)) {
	raw, ok := Document(target).Get(seg.attribute)
	if !ok {
		return
	}
	arr, ok := raw.([]any)
	if !ok {
		return
	}
	for _, v := range arr {
		elem, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if seg.filter.Matches(Document(elem)) {
			fn(elem)
		}
	}
}

// removeFromTarget implements remove for the final path segment. Filtered
// removes drop matching elements; removes with a value array drop elements
// whose "value" sub-attribute matches; plain removes unset the attribute.
// An attribute emptied by removal is unset entirely.
func removeFromTarget(target map[string]any, seg pathSegment, opValue any) {
	doc := Document(target)
	raw, ok := doc.Get(seg.attribute)
	if !ok {
		return
	}

	if seg.filter != nil {
		arr, isArr := raw.([]any)
		if !isArr {
			return
		}
		kept := arr[:0:0]
		for _, v := range arr {
			elem, isObj := v.(map[string]any)
			if isObj && seg.filter.Matches(Document(elem)) {
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			doc.Delete(seg.attribute)
		} else {
			doc.Set(seg.attribute, kept)
		}
		return
	}

	// Remove-by-value, as sent for members: value is an array of
	// {value: "..."} selectors.
	if selectors, isSel := opValue.([]any); isSel && len(selectors) > 0 {
		arr, isArr := raw.([]any)
		if !isArr {
			return
		}
		drop := make(map[string]bool, len(selectors))
		for _, s := range selectors {
			if m, isObj := s.(map[string]any); isObj {
				if id := Document(m).GetString("value"); id != "" {
					drop[strings.ToLower(id)] = true
				}
			} else if id, isStr := s.(string); isStr {
				drop[strings.ToLower(id)] = true
			}
		}
		kept := arr[:0:0]
		for _, v := range arr {
			if m, isObj := v.(map[string]any); isObj {
				if id := Document(m).GetString("value"); id != "" && drop[strings.ToLower(id)] {
					continue
				}
			}
			kept = append(kept, v)
		}
		if len(kept) == 0 {
			doc.Delete(seg.attribute)
		} else {
			doc.Set(seg.attribute, kept)
		}
		return
	}

	doc.Delete(seg.attribute)
}

// pathSegment is one step of a parsed patch path: an attribute name with an
// optional bracket filter.
type pathSegment struct {
	attribute string
	filter    Filter
}

// patchPath is a parsed patch path: an optional extension URN followed by
// one or more segments.
type patchPath struct {
	urn      string
	segments []pathSegment
}

func (p *patchPath) leafAttribute() string {
	if len(p.segments) == 0 {
		return ""
	}
	// The member-fanout guard cares about the attribute carrying the
	// array, which is the first segment when a sub-attribute follows.
	return p.segments[0].attribute
}

// parsePath parses a patch path into segments, enforcing the dotted-path and
// protected-attribute rules.
func (pp *PatchProcessor) parsePath(path string) (*patchPath, error) {
	urn, rest := SplitURNPath(strings.TrimSpace(path))
	if rest == "" {
		if urn == "" {
			return nil, ErrInvalidPath("empty path")
		}
		// Whole-extension target.
		return &patchPath{urn: urn, segments: []pathSegment{{attribute: urn}}}, nil
	}

	var segments []pathSegment
	pos := 0
	for pos < len(rest) {
		start := pos
		for pos < len(rest) && rest[pos] != '.' && rest[pos] != '[' {
			pos++
		}
		attr := rest[start:pos]
		if attr == "" {
			return nil, ErrInvalidPath(fmt.Sprintf("invalid path: %s", path))
		}
		seg := pathSegment{attribute: attr}

		if pos < len(rest) && rest[pos] == '[' {
			end, err := findBracketEnd(rest, pos)
			if err != nil {
				return nil, ErrInvalidPath(err.Error())
			}
			inner := rest[pos+1 : end]
			f, err := NewFilterParser(inner).Parse()
			if err != nil || f == nil {
				return nil, ErrInvalidPath(fmt.Sprintf("invalid value filter in path: %s", path))
			}
			seg.filter = f
			pos = end + 1
		}

		segments = append(segments, seg)

		if pos < len(rest) {
			if rest[pos] != '.' {
				return nil, ErrInvalidPath(fmt.Sprintf("invalid path: %s", path))
			}
			pos++
			if pos >= len(rest) {
				return nil, ErrInvalidPath(fmt.Sprintf("invalid path: %s", path))
			}
		}
	}

	if urn == "" && protectedAttributes[strings.ToLower(segments[0].attribute)] {
		return nil, ErrMutability(fmt.Sprintf("attribute %q is read-only", segments[0].attribute))
	}

	// Bare dotted sub-attributes require the verbose-patch switch; URN and
	// bracketed forms are always legal.
	if urn == "" && len(segments) > 1 && segments[0].filter == nil && !pp.opts.AllowDottedPaths {
		return nil, ErrInvalidPath(fmt.Sprintf("dotted attribute paths are not enabled: %s", path))
	}

	return &patchPath{urn: urn, segments: segments}, nil
}

// findBracketEnd locates the closing bracket of a value filter, skipping
// brackets inside quoted strings.
func findBracketEnd(s string, open int) (int, error) {
	inString := false
	for i := open + 1; i < len(s); i++ {
		switch {
		case inString:
			if s[i] == '\\' {
				i++
			} else if s[i] == '"' {
				inString = false
			}
		case s[i] == '"':
			inString = true
		case s[i] == ']':
			return i, nil
		}
	}
	return 0, fmt.Errorf("unterminated value filter")
}

// navigate resolves all but the last segment and returns the maps the final
// segment applies to. With create set, missing intermediate objects are
// created; filtered segments never create elements.
func (p *patchPath) navigate(doc Document, create bool) ([]map[string]any, error) {
	root := map[string]any(doc)

	if p.urn != "" && p.segments[0].attribute != p.urn {
		ext, ok := doc.Get(p.urn)
		if !ok {
			if !create {
				return nil, nil
			}
			m := map[string]any{}
			doc.Set(p.urn, m)
			ensureSchemaListed(doc, p.urn)
			ext = m
		}
		extMap, ok := ext.(map[string]any)
		if !ok {
			return nil, ErrInvalidPath(fmt.Sprintf("extension %s is not an object", p.urn))
		}
		root = extMap
	}

	targets := []map[string]any{root}
	for _, seg := range p.segments[:len(p.segments)-1] {
		var next []map[string]any
		for _, t := range targets {
			raw, ok := Document(t).Get(seg.attribute)
			if !ok {
				if !create || seg.filter != nil {
					continue
				}
				m := map[string]any{}
				Document(t).Set(seg.attribute, m)
				next = append(next, m)
				continue
			}
			switch v := raw.(type) {
			case map[string]any:
				next = append(next, v)
			case []any:
				for _, elem := range v {
					m, isObj := elem.(map[string]any)
					if !isObj {
						continue
					}
					if seg.filter == nil || seg.filter.Matches(Document(m)) {
						next = append(next, m)
					}
				}
			default:
				return nil, ErrInvalidPath(fmt.Sprintf("attribute %q is not an object", seg.attribute))
			}
		}
		targets = next
	}
	return targets, nil
}

// ensureSchemaListed appends an extension URN to the schemas array when it is
// not already present.
func ensureSchemaListed(doc Document, urn string) {
	raw, _ := doc.Get("schemas")
	arr, _ := raw.([]any)
	for _, s := range arr {
		if str, ok := s.(string); ok && strings.EqualFold(str, urn) {
			return
		}
	}
	doc["schemas"] = append(arr, urn)
}
