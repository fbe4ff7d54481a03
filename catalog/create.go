package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidDescription is returned for descriptions that would not survive a round trip through ParseFilename.
var ErrInvalidDescription = errors.New("invalid change script description")

// ScriptName builds the filename of change script n created at now.
func ScriptName(n int, now time.Time, description string) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: change number %d must be positive", ErrMalformedFilename, n)
	}

	description = strings.TrimSpace(description)
	if strings.ContainsAny(description, `./\`) {
		return "", fmt.Errorf("%w: %q must not contain dots or path separators", ErrInvalidDescription, description)
	}
	description = strings.Join(strings.Fields(description), "_")

	name := fmt.Sprintf("%d.%s.%s", n, now.Format(dateLayout), now.Format(timeLayout))
	if description != "" {
		name += "." + description
	}
	return name + "." + extension, nil
}

// Create creates an empty change script numbered n in dir and returns its path.
// It never overwrites an existing file and refuses to create a second script
// with a number that is already present in dir.
func Create(dir string, n int, now time.Time, description string) (string, error) {
	name, err := ScriptName(n, now, description)
	if err != nil {
		return "", err
	}

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("failed to create delta set directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read delta set directory: %w", err)
	}
	for _, entry := range entries {
		existing, err := ParseFilename(entry.Name())
		if err == nil && existing.ChangeNumber == n {
			return "", fmt.Errorf("%w %d: %s already exists", ErrDuplicateChangeNumber, n, existing.Filename)
		}
	}

	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // path is built from a validated name
	if err != nil {
		return "", fmt.Errorf("failed to create change script: %w", err)
	}

	err = file.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close change script: %w", err)
	}

	return path, nil
}
