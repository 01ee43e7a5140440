package s3watch

import (
	"fmt"
	"regexp"
	"time"
)

// Embedded-date shapes recognized in object keys, tried in this order. The
// first pattern that matches anywhere in the key wins.
var keyDatePatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\d{4}/\d{2}/\d{2}`), "2006/01/02"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), "2006-01-02"},
	{regexp.MustCompile(`\d{8}`), "20060102"},
}

var dateFilterLayouts = []string{"2006/01/02", "2006-01-02", "20060102"}

// DateFilter admits keys whose embedded date matches an exact date or an
// inclusive range. With a filter configured, keys carrying no recognizable
// date are rejected; with no filter at all, every key is admitted. That
// asymmetry is deliberate.
type DateFilter struct {
	exact    time.Time
	start    time.Time
	end      time.Time
	hasExact bool
	hasStart bool
	hasEnd   bool
}

// NewDateFilter builds a filter from operator-supplied date strings, each in
// one of YYYY/MM/DD, YYYY-MM-DD, or YYYYMMDD. All-empty input means no
// filtering and returns nil.
func NewDateFilter(exact, rangeStart, rangeEnd string) (*DateFilter, error) {
	if exact == "" && rangeStart == "" && rangeEnd == "" {
		return nil, nil
	}
	f := &DateFilter{}
	var err error
	if exact != "" {
		if f.exact, err = parseFilterDate(exact); err != nil {
			return nil, err
		}
		f.hasExact = true
	}
	if rangeStart != "" {
		if f.start, err = parseFilterDate(rangeStart); err != nil {
			return nil, err
		}
		f.hasStart = true
	}
	if rangeEnd != "" {
		if f.end, err = parseFilterDate(rangeEnd); err != nil {
			return nil, err
		}
		f.hasEnd = true
	}
	if f.hasStart && f.hasEnd && f.start.After(f.end) {
		return nil, fmt.Errorf("date range start %s is after end %s", rangeStart, rangeEnd)
	}
	return f, nil
}

func (f *DateFilter) Matches(key string) bool {
	if f == nil {
		return true
	}
	keyDate, ok := dateFromKey(key)
	if !ok {
		return false
	}
	if f.hasExact {
		return keyDate.Equal(f.exact)
	}
	if f.hasStart && keyDate.Before(f.start) {
		return false
	}
	if f.hasEnd && keyDate.After(f.end) {
		return false
	}
	return true
}

func dateFromKey(key string) (time.Time, bool) {
	for _, pattern := range keyDatePatterns {
		match := pattern.re.FindString(key)
		if match == "" {
			continue
		}
		parsed, err := time.Parse(pattern.layout, match)
		if err != nil {
			// Digits in the right shape but not a real date; fall
			// through to the next pattern.
			continue
		}
		return parsed, true
	}
	return time.Time{}, false
}

func parseFilterDate(value string) (time.Time, error) {
	for _, layout := range dateFilterLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q must be YYYY/MM/DD, YYYY-MM-DD, or YYYYMMDD", value)
}
