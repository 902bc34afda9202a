package scim

import (
	"strings"
)

// AttributeSelector applies the attributes / excludedAttributes query
// parameters to resource documents. The two parameters are mutually
// exclusive; callers validate that before constructing a selector.
type AttributeSelector struct {
	attributes            map[string]bool
	excluded              map[string]bool
	subAttributes         map[string][]string
	excludedSubAttributes map[string][]string
	includeAll            bool
	excludeAny            bool
}

// coreAttributes are returned on every projection regardless of the
// requested attribute set.
var coreAttributes = map[string]bool{
	"id":      true,
	"schemas": true,
	"meta":    true,
}

// NewAttributeSelector creates a new attribute selector
func NewAttributeSelector(attributes, excluded []string) *AttributeSelector {
	as := &AttributeSelector{
		attributes:            make(map[string]bool),
		excluded:              make(map[string]bool),
		subAttributes:         make(map[string][]string),
		excludedSubAttributes: make(map[string][]string),
		includeAll:            len(attributes) == 0,
		excludeAny:            len(excluded) > 0,
	}

	for _, attr := range attributes {
		lowerAttr := strings.ToLower(strings.TrimSpace(attr))
		if lowerAttr == "" {
			continue
		}
		as.attributes[lowerAttr] = true

		// "emails.type" requests the type sub-attribute of emails; nesting
		// is unbounded ("addresses.street.postalCode").
		if strings.Contains(lowerAttr, ".") {
			parts := strings.SplitN(lowerAttr, ".", 2)
			as.subAttributes[parts[0]] = append(as.subAttributes[parts[0]], parts[1])
		}
	}

	for _, attr := range excluded {
		lowerAttr := strings.ToLower(strings.TrimSpace(attr))
		if lowerAttr == "" {
			continue
		}
		as.excluded[lowerAttr] = true

		if strings.Contains(lowerAttr, ".") {
			parts := strings.SplitN(lowerAttr, ".", 2)
			as.excludedSubAttributes[parts[0]] = append(as.excludedSubAttributes[parts[0]], parts[1])
		}
	}

	return as
}

// Project returns a copy of the document narrowed to the selected
// attributes. id, schemas, and meta survive every selection.
func (as *AttributeSelector) Project(doc Document) Document {
	if as.includeAll && !as.excludeAny {
		return doc
	}

	filtered := make(Document)
	for key, value := range doc {
		lowerKey := strings.ToLower(key)

		if coreAttributes[lowerKey] {
			filtered[key] = value
			continue
		}

		if as.excluded[lowerKey] {
			continue
		}

		if !as.includeAll {
			if as.attributes[lowerKey] {
				filtered[key] = value
			} else if subs, ok := as.subAttributes[lowerKey]; ok {
				if v := as.filterSubAttributes(value, subs); v != nil {
					filtered[key] = v
				}
			}
			continue
		}

		if excludedSubs, ok := as.excludedSubAttributes[lowerKey]; ok {
			if v := as.excludeSubAttributes(value, excludedSubs); v != nil {
				filtered[key] = v
			}
		} else {
			filtered[key] = value
		}
	}

	return filtered
}

// ProjectAll projects a list of documents
func (as *AttributeSelector) ProjectAll(docs []Document) []any {
	out := make([]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, as.Project(doc))
	}
	return out
}

// filterSubAttributes narrows a complex or multi-valued attribute to the
// requested sub-attributes.
func (as *AttributeSelector) filterSubAttributes(value any, requestedSubs []string) any {
	if value == nil {
		return nil
	}

	// Group by immediate child: ["type", "street.postalCode"] becomes
	// {"type": [], "street": ["postalCode"]}.
	immediateChildren := make(map[string][]string)
	for _, sub := range requestedSubs {
		if strings.Contains(sub, ".") {
			parts := strings.SplitN(sub, ".", 2)
			immediateChildren[parts[0]] = append(immediateChildren[parts[0]], parts[1])
		} else {
			immediateChildren[sub] = nil
		}
	}

	if arr, ok := value.([]any); ok {
		filtered := make([]any, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]any); ok {
				if f := as.filterMapBySubAttributes(itemMap, immediateChildren); len(f) > 0 {
					filtered = append(filtered, f)
				}
			}
		}
		if len(filtered) > 0 {
			return filtered
		}
		return nil
	}

	if objMap, ok := value.(map[string]any); ok {
		if f := as.filterMapBySubAttributes(objMap, immediateChildren); len(f) > 0 {
			return f
		}
		return nil
	}

	return value
}

func (as *AttributeSelector) filterMapBySubAttributes(objMap map[string]any, requestedChildren map[string][]string) map[string]any {
	filteredObj := make(map[string]any)
	for k, v := range objMap {
		children, ok := requestedChildren[strings.ToLower(k)]
		if !ok {
			continue
		}
		if len(children) == 0 {
			filteredObj[k] = v
		} else if f := as.filterSubAttributes(v, children); f != nil {
			filteredObj[k] = f
		}
	}
	return filteredObj
}

// excludeSubAttributes drops excluded sub-attributes from a complex or
// multi-valued attribute.
func (as *AttributeSelector) excludeSubAttributes(value any, excludedSubs []string) any {
	if value == nil {
		return nil
	}

	immediateExclusions := make(map[string][]string)
	for _, sub := range excludedSubs {
		if strings.Contains(sub, ".") {
			parts := strings.SplitN(sub, ".", 2)
			immediateExclusions[parts[0]] = append(immediateExclusions[parts[0]], parts[1])
		} else {
			immediateExclusions[sub] = nil
		}
	}

	if arr, ok := value.([]any); ok {
		filtered := make([]any, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]any); ok {
				if f := as.excludeFromMap(itemMap, immediateExclusions); len(f) > 0 {
					filtered = append(filtered, f)
				}
			} else {
				filtered = append(filtered, item)
			}
		}
		return filtered
	}

	if objMap, ok := value.(map[string]any); ok {
		return as.excludeFromMap(objMap, immediateExclusions)
	}

	return value
}

func (as *AttributeSelector) excludeFromMap(objMap map[string]any, exclusions map[string][]string) map[string]any {
	filteredObj := make(map[string]any)
	for k, v := range objMap {
		children, shouldExclude := exclusions[strings.ToLower(k)]
		if !shouldExclude {
			filteredObj[k] = v
			continue
		}
		if len(children) == 0 {
			continue
		}
		if f := as.excludeSubAttributes(v, children); f != nil {
			filteredObj[k] = f
		}
	}
	return filteredObj
}

// ApplyPagination slices a result set by 1-based startIndex and count.
func ApplyPagination[T any](resources []T, startIndex, count int) ([]T, int, int) {
	total := len(resources)

	if startIndex < 1 {
		startIndex = 1
	}
	if count < 0 {
		count = 0
	}

	start := startIndex - 1
	if start >= total {
		return []T{}, startIndex, 0
	}

	end := min(start+count, total)
	paged := resources[start:end]
	return paged, startIndex, len(paged)
}

// FilterDocuments applies a parsed filter to documents.
func FilterDocuments(docs []Document, filter Filter) []Document {
	if filter == nil {
		return docs
	}
	filtered := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if filter.Matches(doc) {
			filtered = append(filtered, doc)
		}
	}
	return filtered
}
