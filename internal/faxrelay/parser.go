package faxrelay

import (
	"path"
	"path/filepath"
	"regexp"
)

type ParsedName struct {
	Sender    string
	Receiver  string
	Extension string
}

// FilenameParser extracts sender and receiver identity from fax filenames.
// The pattern is supplied pre-compiled; case-insensitivity is the caller's
// choice at compile time, not something the parser imposes.
type FilenameParser struct {
	pattern *regexp.Regexp
}

func NewFilenameParser(pattern *regexp.Regexp) *FilenameParser {
	return &FilenameParser{pattern: pattern}
}

// Parse matches the final path segment of pathOrKey against the pattern.
// The match must begin at the first character of the segment, and the
// pattern must capture at least two groups: sender and receiver. A third
// group, when present, is the extension.
func (p *FilenameParser) Parse(pathOrKey string) (ParsedName, bool) {
	if p == nil || p.pattern == nil {
		return ParsedName{}, false
	}
	name := path.Base(filepath.ToSlash(pathOrKey))

	loc := p.pattern.FindStringSubmatchIndex(name)
	if loc == nil || loc[0] != 0 {
		return ParsedName{}, false
	}
	if p.pattern.NumSubexp() < 2 {
		return ParsedName{}, false
	}
	groups := p.pattern.FindStringSubmatch(name)
	parsed := ParsedName{
		Sender:   groups[1],
		Receiver: groups[2],
	}
	if len(groups) > 3 {
		parsed.Extension = groups[3]
	}
	return parsed, true
}
