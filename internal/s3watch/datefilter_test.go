package s3watch

import "testing"

func TestNilFilterAdmitsEverything(t *testing.T) {
	filter, err := NewDateFilter("", "", "")
	if err != nil {
		t.Fatalf("empty filter: %v", err)
	}
	if filter != nil {
		t.Fatalf("expected nil filter for empty config")
	}
	if !filter.Matches("faxes/undated_key.jpg") {
		t.Fatalf("nil filter must admit undated keys")
	}
	if !filter.Matches("faxes/2024/12/15/a.jpg") {
		t.Fatalf("nil filter must admit dated keys")
	}
}

func TestExactDateFilter(t *testing.T) {
	filter, err := NewDateFilter("2024/12/15", "", "")
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	cases := []struct {
		key  string
		want bool
	}{
		{"faxes/2024/12/15/111_222.jpg", true},
		{"faxes/2024-12-16/111_222.jpg", false},
		{"faxes/20241217_111_222.jpg", false},
		{"faxes/undated_111_222.jpg", false},
	}
	for _, tc := range cases {
		if got := filter.Matches(tc.key); got != tc.want {
			t.Fatalf("Matches(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestRangeDateFilter(t *testing.T) {
	filter, err := NewDateFilter("", "2024/12/15", "2024/12/16")
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	cases := []struct {
		key  string
		want bool
	}{
		{"faxes/2024/12/15/a.jpg", true},
		{"faxes/2024-12-16/a.jpg", true},
		{"faxes/20241217/a.jpg", false},
		{"faxes/2024/12/14/a.jpg", false},
		{"faxes/undated.jpg", false},
	}
	for _, tc := range cases {
		if got := filter.Matches(tc.key); got != tc.want {
			t.Fatalf("Matches(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestOpenEndedRanges(t *testing.T) {
	startOnly, err := NewDateFilter("", "2024/12/15", "")
	if err != nil {
		t.Fatalf("start-only filter: %v", err)
	}
	if !startOnly.Matches("faxes/2099-01-01/a.jpg") {
		t.Fatalf("start-only range must admit later dates")
	}
	if startOnly.Matches("faxes/2024-12-14/a.jpg") {
		t.Fatalf("start-only range must reject earlier dates")
	}

	endOnly, err := NewDateFilter("", "", "2024/12/15")
	if err != nil {
		t.Fatalf("end-only filter: %v", err)
	}
	if !endOnly.Matches("faxes/2000-01-01/a.jpg") {
		t.Fatalf("end-only range must admit earlier dates")
	}
	if endOnly.Matches("faxes/2024-12-16/a.jpg") {
		t.Fatalf("end-only range must reject later dates")
	}
}

func TestInvalidFilterConfig(t *testing.T) {
	if _, err := NewDateFilter("12/15/2024", "", ""); err == nil {
		t.Fatalf("expected error for unsupported date format")
	}
	if _, err := NewDateFilter("", "2024/12/16", "2024/12/15"); err == nil {
		t.Fatalf("expected error when range start is after end")
	}
}

func TestDateFromKeyPatternPriority(t *testing.T) {
	// A slash-shaped date earlier in priority wins even when another shape
	// also appears in the key.
	date, ok := dateFromKey("a/2024/12/15/also-20240101.jpg")
	if !ok {
		t.Fatalf("expected date match")
	}
	if date.Format("2006-01-02") != "2024-12-15" {
		t.Fatalf("expected slash pattern to win, got %s", date)
	}

	// Eight digits that are not a calendar date fall through to no match.
	if _, ok := dateFromKey("faxes/99999999.jpg"); ok {
		t.Fatalf("expected invalid digits to not parse as a date")
	}
}
