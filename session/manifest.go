// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ManifestName is the file each session directory carries describing
// the session and its per-device outcomes.
const ManifestName = "manifest.json"

// WriteManifest atomically writes a session manifest. The file is
// written to a temporary location in the same directory, fsynced for
// durability, and renamed into place. Readers never see a partial
// write.
//
// Members are sorted by device ID so repeated writes of the same state
// are byte-identical.
func WriteManifest(dir string, info Info) error {
	sort.Slice(info.Members, func(i, j int) bool {
		return info.Members[i].DeviceID < info.Members[j].DeviceID
	})

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session manifest: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, ManifestName)
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary manifest: %w", err)
	}

	// Write, sync, close, in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary manifest: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming manifest into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss
	// between the rename and the OS flushing directory metadata.
	parentDirectory, err := os.Open(dir)
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// ReadManifest reads and parses a session manifest from a session
// directory. When the file does not exist, the returned error wraps
// os.ErrNotExist.
func ReadManifest(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Info{}, fmt.Errorf("reading session manifest: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing session manifest: %w", err)
	}
	info.Dir = dir
	return info, nil
}
