// Package entries turns the text a LIST or STAT command returns into
// structured directory entries, independent of the control-connection
// dispatch machinery that calls it.
package entries

import (
	"strconv"
	"strings"
)

// Entry describes one line of a directory listing.
type Entry struct {
	Name   string
	Type   string // "file", "dir", or "link"
	Size   int64
	Target string // symlink target, empty otherwise
	Raw    string
}

// Parser recognizes one directory-listing dialect.
type Parser interface {
	Parse(line string) (Entry, bool)
}

// DefaultParsers covers the formats real-world FTP servers still emit:
// Unix `ls -l` (8- or 9-field), DOS/Windows, and EPLF.
func DefaultParsers() []Parser {
	return []Parser{unixParser{}, dosParser{}, eplfParser{}}
}

// Parse splits text into lines and feeds each through parsers in order,
// silently skipping lines no parser recognizes (blank lines, "total N"
// headers, and similar listing noise).
func Parse(text string, parsers []Parser) []Entry {
	var out []Entry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, p := range parsers {
			if e, ok := p.Parse(line); ok {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

type unixParser struct{}

func (unixParser) Parse(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Entry{}, false
	}

	perms := fields[0]
	kind, ok := unixEntryType(perms)
	if !ok {
		return Entry{}, false
	}

	// 9-field listings carry an owner *and* group column before size;
	// 8-field listings drop the group column.
	sizeIdx, nameIdx := 4, 8
	if _, err := strconv.ParseInt(fields[sizeIdx], 10, 64); err != nil {
		sizeIdx, nameIdx = 3, 7
		if len(fields) < nameIdx+1 {
			return Entry{}, false
		}
	}

	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	name := strings.Join(fields[nameIdx:], " ")
	e := Entry{Name: name, Type: kind, Size: size, Raw: line}
	if kind == "link" {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			e.Name, e.Target = before, after
		}
	}
	return e, true
}

func unixEntryType(perms string) (string, bool) {
	if len(perms) == 0 {
		return "", false
	}
	switch perms[0] {
	case 'd':
		return "dir", true
	case 'l':
		return "link", true
	case '-', 'b', 'c', 'p', 's':
		return "file", true
	}
	// Numeric permission bits (e.g. "644"): type can't be told apart from
	// the mode alone, so treat it as a plain file.
	if len(perms) >= 3 && len(perms) <= 4 {
		for _, c := range perms {
			if c < '0' || c > '7' {
				return "", false
			}
		}
		return "file", true
	}
	return "", false
}

type dosParser struct{}

func (dosParser) Parse(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !looksLikeDOSDate(fields[0]) {
		return Entry{}, false
	}

	name := strings.Join(fields[3:], " ")
	if strings.EqualFold(fields[2], "<DIR>") {
		return Entry{Name: name, Type: "dir", Raw: line}, true
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Name: name, Type: "file", Size: size, Raw: line}, true
}

func looksLikeDOSDate(s string) bool {
	// MM-DD-YY
	if len(s) != 8 || s[2] != '-' || s[5] != '-' {
		return false
	}
	for i, c := range s {
		if i == 2 || i == 5 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type eplfParser struct{}

// Parse handles EPLF lines of the form "+facts\tname", where facts is a
// comma-separated list such as "s280,m825718503,/,".
func (eplfParser) Parse(line string) (Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return Entry{}, false
	}
	rest := line[1:]
	sep := strings.IndexByte(rest, '\t')
	if sep < 0 {
		sep = strings.IndexByte(rest, ' ')
	}
	if sep < 0 {
		return Entry{}, false
	}
	facts, name := rest[:sep], rest[sep+1:]

	e := Entry{Name: name, Type: "file", Raw: line}
	for _, fact := range strings.Split(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			e.Type = "dir"
		case 's':
			if n, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				e.Size = n
			}
		}
	}
	return e, true
}
