package store

import (
	"reflect"
	"testing"

	"github.com/pranems/scimserver/scim"
)

func planUser(t *testing.T, filter string) *QueryPlan {
	t.Helper()
	f, err := scim.NewFilterParser(filter).Parse()
	if err != nil {
		t.Fatalf("parse %q: %v", filter, err)
	}
	return PlanUserFilter(f)
}

func TestPlanNilFilter(t *testing.T) {
	plan := PlanUserFilter(nil)
	if !plan.Exact || plan.Where != "" || plan.Residual != nil {
		t.Errorf("nil filter should plan to an exact full scan: %+v", plan)
	}
}

func TestPlanExactPushdown(t *testing.T) {
	tests := []struct {
		filter    string
		wantWhere string
		wantArgs  []any
	}{
		{
			`userName eq "BJensen"`,
			`user_name_lower = ?`,
			[]any{"bjensen"},
		},
		{
			`displayName eq "Babs"`,
			`LOWER(display_name) = ?`,
			[]any{"babs"},
		},
		{
			`active eq true`,
			`active = ?`,
			[]any{true},
		},
		{
			`userName sw "b"`,
			`user_name_lower LIKE ? ESCAPE '\'`,
			[]any{"b%"},
		},
		{
			`userName co "50%_off"`,
			`user_name_lower LIKE ? ESCAPE '\'`,
			[]any{`%50\%\_off%`},
		},
		{
			`externalId pr`,
			`(external_id_lower IS NOT NULL AND external_id_lower <> '')`,
			nil,
		},
		{
			`userName eq "a" and active eq true`,
			`(user_name_lower = ? AND active = ?)`,
			[]any{"a", true},
		},
		{
			`userName eq "a" or userName eq "b"`,
			`(user_name_lower = ? OR user_name_lower = ?)`,
			[]any{"a", "b"},
		},
		{
			`userName ne "bjensen"`,
			`user_name_lower <> ?`,
			[]any{"bjensen"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			plan := planUser(t, tt.filter)
			if !plan.Exact {
				t.Fatalf("plan should be exact: %+v", plan)
			}
			if plan.Where != tt.wantWhere {
				t.Errorf("Where = %q, want %q", plan.Where, tt.wantWhere)
			}
			if !reflect.DeepEqual(plan.Args, tt.wantArgs) {
				t.Errorf("Args = %v, want %v", plan.Args, tt.wantArgs)
			}
			if plan.Residual != nil {
				t.Error("exact plan should carry no residual")
			}
		})
	}
}

func TestPlanResidualOnly(t *testing.T) {
	tests := []string{
		`emails.value co "example"`,
		`not (userName eq "a")`,
		`meta.lastModified gt "2024-01-01T00:00:00Z"`,
		`name.givenName eq "Barbara"`,
		// display_name and external_id_lower encode a missing attribute as
		// ''/NULL; <> would wrongly match rows without the attribute.
		`displayName ne "Alice"`,
		`externalId ne "ext-1"`,
		// Empty literals match the absence marker itself.
		`displayName eq ""`,
		`userName co ""`,
	}
	for _, filter := range tests {
		t.Run(filter, func(t *testing.T) {
			plan := planUser(t, filter)
			if plan.Exact {
				t.Fatalf("plan should not be exact: %+v", plan)
			}
			if plan.Where != "" {
				t.Errorf("nothing should be pushed, got %q", plan.Where)
			}
			if plan.Residual == nil {
				t.Error("residual filter missing")
			}
		})
	}
}

func TestPlanPartialPushdown(t *testing.T) {
	// The pushable branch of an AND narrows the scan; the full filter is
	// still re-checked in memory.
	plan := planUser(t, `userName sw "b" and emails.value co "example"`)
	if plan.Exact {
		t.Fatal("plan should not be exact")
	}
	if plan.Where != `user_name_lower LIKE ? ESCAPE '\'` {
		t.Errorf("Where = %q", plan.Where)
	}
	if plan.Residual == nil {
		t.Error("residual filter missing")
	}

	// An OR with an unpushable branch contributes no fragment: the pushed
	// side alone would drop matching rows.
	plan = planUser(t, `userName eq "a" or emails.value co "example"`)
	if plan.Where != "" {
		t.Errorf("OR with unpushable branch must not push, got %q", plan.Where)
	}
}

func TestPlanGroupColumns(t *testing.T) {
	f, err := scim.NewFilterParser(`displayName eq "Tour Guides"`).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan := PlanGroupFilter(f)
	if !plan.Exact || plan.Where != `display_name_lower = ?` {
		t.Errorf("group displayName uses the lowered mirror: %+v", plan)
	}

	f, err = scim.NewFilterParser(`members.value eq "u1"`).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	plan = PlanGroupFilter(f)
	if plan.Exact || plan.Where != "" {
		t.Errorf("members cannot be pushed: %+v", plan)
	}
}

func TestPlanExecutesAgainstStore(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()
	seedEndpoint(t, st, "e1")

	users := []struct{ id, name string }{
		{"u1", "alice@example.com"},
		{"u2", "bob@example.com"},
		{"u3", "carol@other.org"},
	}
	for _, u := range users {
		if err := st.InsertUser(ctx, testUserRecord("e1", u.id, u.name)); err != nil {
			t.Fatalf("InsertUser: %v", err)
		}
	}

	plan := planUser(t, `userName ew "@example.com"`)
	total, err := st.CountUsers(ctx, "e1", plan)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}

	recs, err := st.SelectUsers(ctx, "e1", plan, 10, 0)
	if err != nil {
		t.Fatalf("SelectUsers: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d rows, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.ID == "u3" {
			t.Error("u3 should not match")
		}
	}
}
