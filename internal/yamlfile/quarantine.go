package yamlfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unparseable store document aside so the rest of the
// loop keeps running. The move stays on the shared store (a quarantine/
// directory next to the state root) and preserves the original bytes for
// operator inspection.
func Quarantine(stateRoot, filePath string) (string, error) {
	quarantineDir := filepath.Join(stateRoot, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405Z")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}
