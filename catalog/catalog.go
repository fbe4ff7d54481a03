// Package catalog discovers change scripts in a delta set directory and
// decides which of them are still pending.
//
// Change scripts are named
//
//	<changeNumber>.<YYYY-MM-DD>.<HHMMSS>[.<description>].sql
//
// The change number orders scripts and identifies them in the change log;
// date and time only end up in the audit record.
package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"
)

// PlaceholderFile keeps otherwise empty delta set directories in version control.
const PlaceholderFile = "for_git.txt"

const (
	extension  = "sql"
	dateLayout = "2006-01-02"
	timeLayout = "150405"
)

var (
	// ErrMalformedFilename is returned for directory entries that are not valid change script names.
	ErrMalformedFilename = errors.New("malformed change script filename")
	// ErrDuplicateChangeNumber is returned when two pending scripts share a change number.
	ErrDuplicateChangeNumber = errors.New("duplicate change number")
)

// ChangeScript is one discovered migration file.
type ChangeScript struct {
	ChangeNumber    int
	ChangeTimestamp string
	Description     string
	Filename        string

	fsys fs.FS
}

// ParseFilename parses a change script name. It does not touch the file.
func ParseFilename(name string) (ChangeScript, error) {
	segments := strings.Split(name, ".")
	if len(segments) < 4 {
		return ChangeScript{}, fmt.Errorf("%w: %q: expected <number>.<date>.<time>[.<description>].sql", ErrMalformedFilename, name)
	}

	if segments[len(segments)-1] != extension {
		return ChangeScript{}, fmt.Errorf("%w: %q: extension must be .%s", ErrMalformedFilename, name, extension)
	}

	changeNumber, err := strconv.Atoi(segments[0])
	if err != nil || changeNumber <= 0 {
		return ChangeScript{}, fmt.Errorf("%w: %q: change number must be a positive integer", ErrMalformedFilename, name)
	}

	datePart, timePart := segments[1], segments[2]
	if _, err := time.Parse(dateLayout, datePart); err != nil {
		return ChangeScript{}, fmt.Errorf("%w: %q: invalid date %q", ErrMalformedFilename, name, datePart)
	}
	if timePart == "" {
		return ChangeScript{}, fmt.Errorf("%w: %q: empty time", ErrMalformedFilename, name)
	}

	return ChangeScript{
		ChangeNumber:    changeNumber,
		ChangeTimestamp: datePart + " " + timePart,
		Description:     strings.Join(segments[3:len(segments)-1], "."),
		Filename:        name,
	}, nil
}

// ListPending returns the scripts in fsys whose change number is greater than
// watermark, sorted ascending by change number. Sub-directories and the
// placeholder file are skipped; any other entry must be a valid change script.
func ListPending(fsys fs.FS, watermark int) ([]ChangeScript, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read change scripts directory: %w", err)
	}

	pending := map[int]ChangeScript{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == PlaceholderFile {
			continue
		}

		script, err := ParseFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		if script.ChangeNumber <= watermark {
			continue
		}

		if existing, ok := pending[script.ChangeNumber]; ok {
			return nil, fmt.Errorf("%w %d: %s and %s", ErrDuplicateChangeNumber, script.ChangeNumber, existing.Filename, script.Filename)
		}

		script.fsys = fsys
		pending[script.ChangeNumber] = script
	}

	scripts := make([]ChangeScript, 0, len(pending))
	for _, script := range pending {
		scripts = append(scripts, script)
	}
	slices.SortFunc(scripts, func(a, b ChangeScript) int {
		return cmp.Compare(a.ChangeNumber, b.ChangeNumber)
	})

	return scripts, nil
}

// Body reads the raw statement text of the script.
func (s ChangeScript) Body() (string, error) {
	if s.fsys == nil {
		return "", fmt.Errorf("change script %s has no source directory", s.Filename)
	}

	data, err := fs.ReadFile(s.fsys, s.Filename)
	if err != nil {
		return "", fmt.Errorf("failed to read change script %s: %w", s.Filename, err)
	}
	return string(data), nil
}

// Statements reads the script and splits it into statements.
func (s ChangeScript) Statements() ([]string, error) {
	body, err := s.Body()
	if err != nil {
		return nil, err
	}
	return SplitStatements(body), nil
}

// SplitStatements splits a script body on ";" and drops the empty pieces left
// by trailing delimiters and blank lines. Delimiters inside string literals
// or comments are not recognised.
func SplitStatements(body string) []string {
	statements := []string{}
	for _, piece := range strings.Split(body, ";") {
		statement := strings.TrimSpace(piece)
		if statement == "" {
			continue
		}
		statements = append(statements, statement)
	}
	return statements
}
