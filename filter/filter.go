package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Options captures the filtering configuration. A nil day bound is unset.
type Options struct {
	// SkipOlderThanDays rejects messages whose age exceeds the bound
	// (--younger / --skip-older).
	SkipOlderThanDays *int
	// SkipYoungerThanDays rejects messages whose age is below the bound
	// (--older / --skip-younger).
	SkipYoungerThanDays *int

	IncludeFolders []string
	ExcludeFolders []string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Filter decides which folders are visited and which messages are archived.
type Filter struct {
	maxAge    time.Duration
	minAge    time.Duration
	hasMaxAge bool
	hasMinAge bool

	includeMode    bool
	excludeMode    bool
	includeFolders []*regexp.Regexp
	excludeFolders []*regexp.Regexp

	now func() time.Time
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	f := &Filter{now: opts.Now}
	if f.now == nil {
		f.now = time.Now
	}

	if opts.SkipOlderThanDays != nil {
		if *opts.SkipOlderThanDays < 0 {
			return nil, fmt.Errorf("skip-older days must not be negative: %d", *opts.SkipOlderThanDays)
		}
		f.maxAge = time.Duration(*opts.SkipOlderThanDays) * day
		f.hasMaxAge = true
	}
	if opts.SkipYoungerThanDays != nil {
		if *opts.SkipYoungerThanDays < 0 {
			return nil, fmt.Errorf("skip-younger days must not be negative: %d", *opts.SkipYoungerThanDays)
		}
		f.minAge = time.Duration(*opts.SkipYoungerThanDays) * day
		f.hasMinAge = true
	}

	includeFolders, err := compilePatterns(opts.IncludeFolders)
	if err != nil {
		return nil, fmt.Errorf("compile include-folder pattern: %w", err)
	}
	excludeFolders, err := compilePatterns(opts.ExcludeFolders)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-folder pattern: %w", err)
	}
	if len(includeFolders) > 0 && len(excludeFolders) > 0 {
		return nil, fmt.Errorf("include and exclude folder filters are mutually exclusive")
	}

	f.includeMode = len(includeFolders) > 0
	f.excludeMode = len(excludeFolders) > 0
	f.includeFolders = includeFolders
	f.excludeFolders = excludeFolders
	return f, nil
}

// AllowsDate reports whether a message dated t lies inside the retention
// window. Both bounds are inclusive. A naive date has no zone of its own:
// its age is the wall clock difference to now in t's location.
func (f *Filter) AllowsDate(t time.Time, naive bool) bool {
	if !f.hasMaxAge && !f.hasMinAge {
		return true
	}

	age := f.now().Sub(t)
	if naive {
		age = wallClock(f.now().In(t.Location())).Sub(wallClock(t))
	}
	if f.hasMaxAge && age > f.maxAge {
		return false
	}
	if f.hasMinAge && age < f.minAge {
		return false
	}
	return true
}

// AllowsFolder returns true if the folder passes the include/exclude patterns.
func (f *Filter) AllowsFolder(name string) bool {
	if f.includeMode {
		return matchAny(f.includeFolders, name)
	}
	if f.excludeMode && matchAny(f.excludeFolders, name) {
		return false
	}
	return true
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
