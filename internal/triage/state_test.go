package triage

import (
	"testing"
)

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from State
		f    facts
		want State
	}{
		{"load", StateLoadInbox, facts{}, StateCheckMore},
		{"more", StateCheckMore, facts{hasMore: true}, StateNextEmail},
		{"exhausted", StateCheckMore, facts{}, StateIdle},
		{"next", StateNextEmail, facts{}, StateCategorize},
		{"route retrieve", StateCategorize, facts{route: RouteRetrieve}, StateBuildQueries},
		{"route draft", StateCategorize, facts{route: RouteDraft}, StateDraft},
		{"route skip", StateCategorize, facts{route: RouteSkip}, StateSkip},
		{"queries", StateBuildQueries, facts{}, StateRetrieve},
		{"retrieved", StateRetrieve, facts{}, StateDraft},
		{"drafted", StateDraft, facts{}, StateReview},
		{"sendable", StateReview, facts{sendable: true, retryCount: 1}, StateSend},
		{"sendable on last attempt", StateReview, facts{sendable: true, retryCount: MaxDraftAttempts}, StateSend},
		{"rejected first", StateReview, facts{retryCount: 1}, StateDraft},
		{"rejected second", StateReview, facts{retryCount: 2}, StateDraft},
		{"rejected last", StateReview, facts{retryCount: MaxDraftAttempts}, StateEscalate},
		{"sent", StateSend, facts{}, StateCheckMore},
		{"escalated", StateEscalate, facts{}, StateCheckMore},
		{"skipped", StateSkip, facts{}, StateCheckMore},
		{"idle", StateIdle, facts{}, StateLoadInbox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := next(tt.from, tt.f); got != tt.want {
				t.Errorf("next(%s, %+v) = %s, want %s", tt.from, tt.f, got, tt.want)
			}
		})
	}
}

func TestCategoryRoute_Total(t *testing.T) {
	t.Parallel()

	want := map[Category]Route{
		CategoryProductEnquiry:    RouteRetrieve,
		CategoryCustomerComplaint: RouteDraft,
		CategoryCustomerFeedback:  RouteDraft,
		CategoryUnrelated:         RouteSkip,
	}
	if len(want) != len(Categories) {
		t.Fatalf("categories = %d, table = %d", len(Categories), len(want))
	}
	for _, c := range Categories {
		if got := c.Route(); got != want[c] {
			t.Errorf("%s.Route() = %s, want %s", c, got, want[c])
		}
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	for _, c := range Categories {
		got, err := ParseCategory(string(c))
		if err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("Product_Enquiry"); err == nil {
		t.Error("expected error for unknown label")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if StateBuildQueries.String() != "build_queries" {
		t.Errorf("String() = %q", StateBuildQueries.String())
	}
	if State(99).String() != "state(99)" {
		t.Errorf("String() = %q", State(99).String())
	}
	for _, s := range []State{StateSend, StateEscalate, StateSkip} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StateReview.Terminal() {
		t.Error("review should not be terminal")
	}
}

func TestScratch_ResetAndLastReview(t *testing.T) {
	t.Parallel()

	s := Scratch{
		Category:   CategoryProductEnquiry,
		Queries:    []string{"q"},
		Draft:      "d",
		RetryCount: 2,
		History: []Turn{
			{Role: RoleReview, Text: "first"},
			{Role: RoleDraft, Text: "d"},
			{Role: RoleReview, Text: "second"},
			{Role: RoleContext, Text: "c"},
		},
	}
	if s.LastReview() != "second" {
		t.Errorf("LastReview = %q, want second", s.LastReview())
	}
	s.Reset()
	if !s.IsZero() {
		t.Errorf("after Reset = %+v", s)
	}
}
