// Package report renders human-readable summaries of migration runs.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/platforma-dev/dbupdater/catalog"
	"github.com/platforma-dev/dbupdater/database"
)

// Reporter writes run summaries for one database.
type Reporter struct {
	DatabaseName string
}

// Summary writes the outcome of a successful run. applied must be in the order the scripts ran.
func (r Reporter) Summary(w io.Writer, deltaSet string, applied []catalog.ChangeScript) error {
	var b strings.Builder

	fmt.Fprintf(&b, "DB Updater ran on database %s (delta set %s)\n", r.DatabaseName, deltaSet)

	if len(applied) == 0 {
		b.WriteString("No new update files found - the database is already up to date.\n")
	} else {
		fmt.Fprintf(&b, "Database update succeeded. %d update file(s) were executed:\n", len(applied))
		for _, script := range applied {
			b.WriteString(script.Filename)
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// Status writes the watermark and the applied change log of a delta set.
func (r Reporter) Status(w io.Writer, deltaSet string, watermark int, entries []database.Entry) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Database %s, delta set %s: watermark %d, %d change(s) applied\n", r.DatabaseName, deltaSet, watermark, len(entries))
	for _, entry := range entries {
		fmt.Fprintf(&b, "%6d  %-20s  %s\n", entry.ChangeNumber, entry.ChangeTimestamp, entry.Filename)
	}

	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// Failure writes the message shown when a script fails and its transaction is rolled back.
func Failure(w io.Writer, filename string, cause error) error {
	_, err := fmt.Fprintf(w, "Sql update file failed (%s): %v\n\nAll statements within this file have been rolled back.\n\n", filename, cause)
	if err != nil {
		return fmt.Errorf("failed to write failure report: %w", err)
	}
	return nil
}
