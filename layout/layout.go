// Package layout derives the relative storage path of an archived message.
package layout

import (
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/dhcgn/imap-backup/model"
)

const (
	// MaxNameLen is the longest file name most filesystems accept.
	MaxNameLen = 255
	Extension  = ".eml"
)

// Layout computes entry paths for one run. Nested layouts add
// year/month/day directories below the folder to keep directories small.
type Layout struct {
	User   string
	Nested bool
}

// Path returns user/folder/[YYYY/MM/DD/]HH-MM-SS-slug.eml. The date
// components use the message's own offset.
func (l Layout) Path(folder model.Folder, date time.Time, subject string) string {
	parts := []string{cleanSegment(l.User)}
	parts = append(parts, folderSegments(folder)...)
	if l.Nested {
		parts = append(parts, date.Format("2006"), date.Format("01"), date.Format("02"))
	}
	parts = append(parts, FileName(date, subject))
	return path.Join(parts...)
}

// FileName returns HH-MM-SS-slug.eml capped at MaxNameLen bytes. An empty
// slug yields HH-MM-SS.eml.
func FileName(date time.Time, subject string) string {
	stem := date.Format("15-04-05")
	if s := Slug(subject); s != "" {
		stem += "-" + s
	}
	return truncate(stem, MaxNameLen-len(Extension)) + Extension
}

// Slug turns free text into a lowercase, ASCII, hyphen-delimited token.
func Slug(s string) string {
	return slug.Make(s)
}

func folderSegments(folder model.Folder) []string {
	var raw []string
	if folder.Delimiter != 0 {
		raw = strings.Split(folder.Name, string(folder.Delimiter))
	} else {
		raw = []string{folder.Name}
	}

	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		segments = append(segments, cleanSegment(s))
	}
	return segments
}

// cleanSegment keeps a name inside its parent directory.
func cleanSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)

	switch strings.TrimSpace(s) {
	case "", ".", "..":
		return "_"
	}
	if len(s) > MaxNameLen {
		s = truncate(s, MaxNameLen)
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], "-")
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Deduper resolves paths that collide within one run, which happens for
// messages sharing a subject and a second-resolution timestamp.
type Deduper struct {
	seen map[string]struct{}
}

func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Unique returns p the first time it is seen, then p with a -2, -3, ...
// suffix before the extension.
func (d *Deduper) Unique(p string) string {
	if _, ok := d.seen[p]; !ok {
		d.seen[p] = struct{}{}
		return p
	}

	dir, name := path.Split(p)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		suffix := "-" + strconv.Itoa(n)
		candidate := dir + truncate(stem, MaxNameLen-len(ext)-len(suffix)) + suffix + ext
		if _, ok := d.seen[candidate]; !ok {
			d.seen[candidate] = struct{}{}
			return candidate
		}
	}
}
