package persist

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/moby/sys/atomicwriter"
	"github.com/pgavlin/wasifs/wasi"
)

// WriteFile writes snap to path. The file is replaced atomically, so readers
// never observe a partial snapshot.
func WriteFile(path string, snap *wasi.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return atomicwriter.WriteFile(path, data, 0o600)
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(path string) (*wasi.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap wasi.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %v: %w", path, err)
	}
	return &snap, nil
}
