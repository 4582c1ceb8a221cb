// Package ha elects one leader among portfolio-manager instances. The
// Redis lease is the source of truth for who may trade; the database
// instance table exists for observability and split-brain detection.
package ha

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadInstanceID returns the composite instance id: a UUID persisted
// across restarts plus the current pid, so the same deployment keeps its
// identity while distinct processes never collide.
func LoadInstanceID(idFile string) (string, error) {
	id, err := loadOrCreateUUID(idFile)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", id, os.Getpid()), nil
}

func loadOrCreateUUID(idFile string) (string, error) {
	data, err := os.ReadFile(idFile)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt id file: regenerate rather than refuse to start.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read instance id file: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(idFile, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist instance id: %w", err)
	}
	return id, nil
}

// SplitInstanceID separates the persisted UUID from the pid suffix. A
// bare UUID has four hyphens; the composite id has five.
func SplitInstanceID(instanceID string) (uuidPart, pidPart string) {
	idx := strings.LastIndex(instanceID, "-")
	if idx < 0 || strings.Count(instanceID, "-") < 5 {
		return instanceID, ""
	}
	return instanceID[:idx], instanceID[idx+1:]
}
