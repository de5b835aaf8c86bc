package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// DeadLetterArchiveRoot is the key prefix under which dead-letter exports
// are written.
const DeadLetterArchiveRoot = "dead-letters"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

func BuildDeadLetterArchivePath(exportedAt time.Time, exportID string) (string, error) {
	if err := validatePathComponent(exportID, "export id"); err != nil {
		return "", err
	}
	ts := exportedAt.UTC()
	return path.Join(
		DeadLetterArchiveRoot,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("export-%s.jsonl", exportID),
	), nil
}

// ValidateDeadLetterArchivePath accepts only keys produced by
// BuildDeadLetterArchivePath.
func ValidateDeadLetterArchivePath(key string) error {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != DeadLetterArchiveRoot {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	if _, err := time.Parse("date=2006-01-02", parts[1]); err != nil {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	if _, err := time.Parse("hour=15", parts[2]); err != nil {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	name := parts[3]
	if !strings.HasPrefix(name, "export-") || !strings.HasSuffix(name, ".jsonl") {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	return validatePathComponent(strings.TrimSuffix(strings.TrimPrefix(name, "export-"), ".jsonl"), "export id")
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
