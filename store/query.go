package store

import (
	"strings"

	"github.com/pranems/scimserver/scim"
)

type columnKind int

const (
	kindText columnKind = iota
	kindBool
)

// column maps a SCIM attribute onto an extracted table column. lowered
// columns hold pre-lowercased mirrors, so equality compares against the
// lowercased literal directly. absentable columns encode a missing
// attribute as NULL or '', which SQL comparisons cannot tell apart from a
// real value; negative predicates on them stay in memory.
type column struct {
	name       string
	kind       columnKind
	lowered    bool
	absentable bool
}

// userColumns and groupColumns name the attributes the planner can push to
// SQL; everything else is evaluated in memory against the payload document.
var userColumns = map[string]column{
	"id":          {name: "id", kind: kindText},
	"username":    {name: "user_name_lower", kind: kindText, lowered: true},
	"externalid":  {name: "external_id_lower", kind: kindText, lowered: true, absentable: true},
	"displayname": {name: "display_name", kind: kindText, absentable: true},
	"active":      {name: "active", kind: kindBool},
}

var groupColumns = map[string]column{
	"id":          {name: "id", kind: kindText},
	"displayname": {name: "display_name_lower", kind: kindText, lowered: true},
	"externalid":  {name: "external_id_lower", kind: kindText, lowered: true, absentable: true},
}

// QueryPlan is the two-part result of planning a filter: a WHERE fragment
// pushed to SQL and a residual filter evaluated in memory on the fetched
// rows. Exact means the SQL predicate alone is equivalent to the filter, so
// pagination and counting can happen in the database.
type QueryPlan struct {
	Where    string
	Args     []any
	Residual scim.Filter
	Exact    bool
}

// PlanUserFilter plans a filter against the users table.
func PlanUserFilter(filter scim.Filter) *QueryPlan {
	return planFilter(filter, userColumns)
}

// PlanGroupFilter plans a filter against the groups table.
func PlanGroupFilter(filter scim.Filter) *QueryPlan {
	return planFilter(filter, groupColumns)
}

// planFilter translates a parsed filter for the given resource columns.
// A nil filter plans to a full exact scan.
func planFilter(filter scim.Filter, cols map[string]column) *QueryPlan {
	if filter == nil {
		return &QueryPlan{Exact: true}
	}
	where, args, ok := pushdown(filter, cols)
	if ok {
		return &QueryPlan{Where: where, Args: args, Exact: true}
	}
	// Partial push: keep whatever fragment narrows the scan, re-check the
	// full filter in memory.
	where, args = partialPushdown(filter, cols)
	return &QueryPlan{Where: where, Args: args, Residual: filter}
}

// pushdown attempts a complete translation of the filter to SQL.
func pushdown(filter scim.Filter, cols map[string]column) (string, []any, bool) {
	switch f := filter.(type) {
	case *scim.AttributeExpression:
		return pushAttribute(f, cols)
	case *scim.GroupExpression:
		where, args, ok := pushdown(f.Filter, cols)
		if !ok {
			return "", nil, false
		}
		return "(" + where + ")", args, true
	case *scim.LogicalExpression:
		// not is never pushed: SQL three-valued logic drops NULL rows that
		// the in-memory evaluator would match.
		if f.Operator == "not" {
			return "", nil, false
		}
		lw, la, lok := pushdown(f.Left, cols)
		rw, ra, rok := pushdown(f.Right, cols)
		if !lok || !rok {
			return "", nil, false
		}
		op := " AND "
		if f.Operator == "or" {
			op = " OR "
		}
		return "(" + lw + op + rw + ")", append(la, ra...), true
	default:
		return "", nil, false
	}
}

// partialPushdown extracts a narrowing fragment from an AND tree whose
// other branches cannot be pushed. OR trees with any unpushable branch
// contribute nothing.
func partialPushdown(filter scim.Filter, cols map[string]column) (string, []any) {
	le, ok := filter.(*scim.LogicalExpression)
	if !ok || le.Operator != "and" {
		return "", nil
	}
	lw, la, lok := pushdown(le.Left, cols)
	if !lok {
		lw, la = partialPushdown(le.Left, cols)
	}
	rw, ra, rok := pushdown(le.Right, cols)
	if !rok {
		rw, ra = partialPushdown(le.Right, cols)
	}
	switch {
	case lw != "" && rw != "":
		return "(" + lw + " AND " + rw + ")", append(la, ra...)
	case lw != "":
		return lw, la
	case rw != "":
		return rw, ra
	default:
		return "", nil
	}
}

func pushAttribute(ae *scim.AttributeExpression, cols map[string]column) (string, []any, bool) {
	col, ok := cols[strings.ToLower(ae.AttributePath)]
	if !ok {
		return "", nil, false
	}

	switch ae.Operator {
	case "eq", "ne":
		op := "="
		if ae.Operator == "ne" {
			op = "<>"
		}
		switch col.kind {
		case kindBool:
			b, bok := boolLiteral(ae.Value)
			if !bok {
				return "", nil, false
			}
			return col.name + " " + op + " ?", []any{b}, true
		default:
			str, sok := ae.Value.(string)
			if !sok || str == "" {
				return "", nil, false
			}
			// <> would match rows whose column holds the absence marker
			// even though the attribute is not on the document.
			if ae.Operator == "ne" && col.absentable {
				return "", nil, false
			}
			if col.lowered {
				return col.name + " " + op + " ?", []any{strings.ToLower(str)}, true
			}
			return "LOWER(" + col.name + ") " + op + " ?", []any{strings.ToLower(str)}, true
		}
	case "co", "sw", "ew":
		str, sok := ae.Value.(string)
		if !sok || str == "" || col.kind != kindText {
			return "", nil, false
		}
		pattern := escapeLike(strings.ToLower(str))
		switch ae.Operator {
		case "co":
			pattern = "%" + pattern + "%"
		case "sw":
			pattern = pattern + "%"
		default:
			pattern = "%" + pattern
		}
		target := col.name
		if !col.lowered {
			target = "LOWER(" + col.name + ")"
		}
		return target + ` LIKE ? ESCAPE '\'`, []any{pattern}, true
	case "pr":
		if col.kind == kindBool {
			return col.name + " IS NOT NULL", nil, true
		}
		return "(" + col.name + " IS NOT NULL AND " + col.name + " <> '')", nil, true
	default:
		// Ordering operators stay in memory: lowered mirror columns do not
		// order the same way the evaluator does.
		return "", nil, false
	}
}

func boolLiteral(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

// escapeLike escapes LIKE metacharacters in a literal.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
