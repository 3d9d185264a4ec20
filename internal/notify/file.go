package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileEmitter writes one JSON file per run event into a spool directory.
type fileEmitter struct {
	dir string
}

func (e *fileEmitter) EmitRun(_ context.Context, evt Event) error {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("create spool dir %s: %w", e.dir, err)
	}

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(e.dir, evt.RunLabel+".json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename spool file: %w", err)
	}
	return nil
}

func (e *fileEmitter) Close() error { return nil }
