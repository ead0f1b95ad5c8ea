// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fieldsync-dev/fieldsync/session"
)

// commandRecorder runs an external capture process for the duration of
// a session. The concrete sensor drivers live outside the hub; this is
// how an operator plugs a webcam or audio capture command into the
// session lifecycle. The session directory is substituted for
// {session_dir} in the argument list and exported as
// FIELDSYNC_SESSION_DIR.
type commandRecorder struct {
	name     string
	command  []string
	stopWait time.Duration

	cmd *exec.Cmd
}

func newCommandRecorder(profile session.RecorderProfile) (session.Recorder, error) {
	raw, ok := profile.Options["command"]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("command recorder %q: options.command is required", profile.Name)
	}
	stopWait := 10 * time.Second
	if raw, ok := profile.Options["stop_wait"]; ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("command recorder %q: bad stop_wait: %w", profile.Name, err)
		}
		stopWait = parsed
	}
	return &commandRecorder{
		name:     profile.Name,
		command:  strings.Fields(raw),
		stopWait: stopWait,
	}, nil
}

func (r *commandRecorder) Name() string { return r.name }

func (r *commandRecorder) Start(sessionDir string) error {
	args := make([]string, len(r.command)-1)
	for i, arg := range r.command[1:] {
		args[i] = strings.ReplaceAll(arg, "{session_dir}", sessionDir)
	}
	cmd := exec.Command(r.command[0], args...)
	cmd.Env = append(os.Environ(), "FIELDSYNC_SESSION_DIR="+sessionDir)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting recorder %q: %w", r.name, err)
	}
	r.cmd = cmd
	return nil
}

// Stop asks the capture process to finish with SIGTERM and kills it if
// it has not exited within stopWait. Capture processes are expected to
// flush and exit on SIGTERM.
func (r *commandRecorder) Stop() error {
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	cmd := r.cmd
	r.cmd = nil

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling recorder %q: %w", r.name, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("recorder %q exited: %w", r.name, err)
		}
		return nil
	case <-time.After(r.stopWait):
		cmd.Process.Kill()
		<-done
		return fmt.Errorf("recorder %q did not exit within %s, killed", r.name, r.stopWait)
	}
}
