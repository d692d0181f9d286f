package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/mextic/recargas-sub000/internal/core"
)

// Marker is written before a cycle starts mutating external state and
// deleted on clean cycle end. Its presence at startup forces the recovery
// flow regardless of queue contents.
type Marker struct {
	WasProcessing  bool   `json:"was_processing"`
	ItemsInProcess int    `json:"items_in_process"`
	Snapshot       []Item `json:"snapshot"`
	At             int64  `json:"at"`
}

// MarkerPath returns the crash marker file for a service.
func MarkerPath(dataDir string, svc core.Service) string {
	return filepath.Join(dataDir, strings.ToLower(string(svc))+"_crash_recovery.json")
}

// WriteMarker drops the marker atomically.
func WriteMarker(dataDir string, svc core.Service, snapshot []Item) error {
	m := Marker{
		WasProcessing:  true,
		ItemsInProcess: len(snapshot),
		Snapshot:       snapshot,
		At:             time.Now().Unix(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash marker: %w", err)
	}
	path := MarkerPath(dataDir, svc)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write crash marker %s: %w", path, err)
	}
	return nil
}

// ReadMarker loads the marker if present.
func ReadMarker(dataDir string, svc core.Service) (*Marker, bool, error) {
	path := MarkerPath(dataDir, svc)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read crash marker %s: %w", path, err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		// A torn marker still signals an unclean shutdown.
		return &Marker{WasProcessing: true}, true, nil
	}
	return &m, true, nil
}

// ClearMarker removes the marker at clean cycle end. Missing file is fine.
func ClearMarker(dataDir string, svc core.Service) error {
	err := os.Remove(MarkerPath(dataDir, svc))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
