// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Recorder is a hub-local capture source that records alongside the
// fleet: a webcam on the operator's machine, an audio interface, a
// screen capture. Start is called when the session directory exists
// and recording begins; Stop when the session stops. Both may be
// called at most once per session.
type Recorder interface {
	// Name identifies the recorder in logs and the session manifest.
	Name() string

	// Start begins capture, writing output under sessionDir.
	Start(sessionDir string) error

	// Stop ends capture and flushes output.
	Stop() error
}

// RecorderProfile is one entry in the recorder profile file: which
// kind of recorder to build, under what name, with what options.
type RecorderProfile struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	Enabled bool              `yaml:"enabled"`
	Options map[string]string `yaml:"options,omitempty"`
}

// recorderProfileFile is the on-disk shape of the profile file.
type recorderProfileFile struct {
	Recorders []RecorderProfile `yaml:"recorders"`
}

// LoadRecorderProfiles parses a YAML recorder profile file. A missing
// path is not an error when allowMissing is set; the hub runs without
// local recorders.
func LoadRecorderProfiles(path string, allowMissing bool) ([]RecorderProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recorder profiles: %w", err)
	}
	var file recorderProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing recorder profiles %s: %w", path, err)
	}
	for i, profile := range file.Recorders {
		if profile.Name == "" {
			return nil, fmt.Errorf("recorder profile %d: missing name", i)
		}
		if profile.Kind == "" {
			return nil, fmt.Errorf("recorder profile %q: missing kind", profile.Name)
		}
	}
	return file.Recorders, nil
}

// RecorderFactory builds recorders from profiles. Kinds are registered
// by the binary at startup; asking for an unregistered kind fails.
type RecorderFactory struct {
	kinds map[string]func(RecorderProfile) (Recorder, error)
}

func NewRecorderFactory() *RecorderFactory {
	return &RecorderFactory{kinds: make(map[string]func(RecorderProfile) (Recorder, error))}
}

// Register adds a constructor for a recorder kind. Registering the
// same kind twice panics; that is a wiring bug, not a runtime
// condition.
func (f *RecorderFactory) Register(kind string, build func(RecorderProfile) (Recorder, error)) {
	if _, ok := f.kinds[kind]; ok {
		panic("session: recorder kind registered twice: " + kind)
	}
	f.kinds[kind] = build
}

// Build constructs the enabled recorders from a profile list.
func (f *RecorderFactory) Build(profiles []RecorderProfile) ([]Recorder, error) {
	var recorders []Recorder
	for _, profile := range profiles {
		if !profile.Enabled {
			continue
		}
		build, ok := f.kinds[profile.Kind]
		if !ok {
			return nil, fmt.Errorf("recorder profile %q: unknown kind %q", profile.Name, profile.Kind)
		}
		recorder, err := build(profile)
		if err != nil {
			return nil, fmt.Errorf("building recorder %q: %w", profile.Name, err)
		}
		recorders = append(recorders, recorder)
	}
	return recorders, nil
}
