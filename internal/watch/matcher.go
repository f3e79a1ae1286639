package watch

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher tests a single line of process output.
type Matcher interface {
	Match(line string) bool
	String() string
}

// Substring matches lines containing s.
type Substring string

// Match reports whether line contains the substring.
func (s Substring) Match(line string) bool {
	return strings.Contains(line, string(s))
}

func (s Substring) String() string {
	return string(s)
}

// RegexpMatcher matches lines against a compiled regular expression.
type RegexpMatcher struct {
	re *regexp.Regexp
}

// Regexp compiles expr into a Matcher.
func Regexp(expr string) (*RegexpMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return &RegexpMatcher{re: re}, nil
}

// MustRegexp is like Regexp but panics on an invalid expression.
func MustRegexp(expr string) *RegexpMatcher {
	m, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether the expression matches anywhere in line.
func (m *RegexpMatcher) Match(line string) bool {
	return m.re.MatchString(line)
}

func (m *RegexpMatcher) String() string {
	return "re:" + m.re.String()
}

// regexpPrefix selects a regular expression in ParsePattern.
const regexpPrefix = "re:"

// ParsePattern turns a textual pattern into a Matcher.
// "re:<expr>" is a regular expression, anything else is a substring.
func ParsePattern(s string) (Matcher, error) {
	if expr, ok := strings.CutPrefix(s, regexpPrefix); ok {
		return Regexp(expr)
	}
	return Substring(s), nil
}

// ParsePatterns converts each string with ParsePattern, keeping order.
func ParsePatterns(ss ...string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(ss))
	for _, s := range ss {
		m, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Substrings is shorthand for a list of Substring matchers.
func Substrings(ss ...string) []Matcher {
	out := make([]Matcher, len(ss))
	for i, s := range ss {
		out[i] = Substring(s)
	}
	return out
}

func patternNames(patterns []Matcher) []string {
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = p.String()
	}
	return names
}
