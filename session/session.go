// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldsync-dev/fieldsync/journal"
)

// State is the lifecycle state of a recording session.
type State string

const (
	StateIdle         State = "idle"
	StateCreating     State = "creating"
	StateActive       State = "active"
	StateStopping     State = "stopping"
	StateTransferring State = "transferring"
	StateComplete     State = "complete"
	StateAborted      State = "aborted"
)

// Outcome is the per-device result of a session. It starts Pending
// and only ever moves to a more final value.
type Outcome string

const (
	// OutcomePending: the device acknowledged the start command and
	// has not yet delivered a terminal result. A device that vanishes
	// mid-session stays Pending until it rejoins or is evicted.
	OutcomePending Outcome = "pending"

	// OutcomeStopped: the device acknowledged the stop command and
	// owes the hub its recorded files.
	OutcomeStopped Outcome = "stopped"

	// OutcomeTransferred: the device's files arrived and verified.
	OutcomeTransferred Outcome = "transferred"

	// OutcomeFailed: the device never acknowledged the start command,
	// or its transfer failed verification.
	OutcomeFailed Outcome = "failed"

	// OutcomeFailedUnrecoverable: the device was evicted while the
	// session still waited on it. Nothing more will arrive.
	OutcomeFailedUnrecoverable Outcome = "failed_unrecoverable"
)

// terminal reports whether an outcome will never change again.
func (o Outcome) terminal() bool {
	switch o {
	case OutcomeTransferred, OutcomeFailed, OutcomeFailedUnrecoverable:
		return true
	}
	return false
}

// StateError reports an operation attempted in a session state that
// does not permit it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session: cannot %s while %s", e.Op, e.State)
}

// MemberInfo is a snapshot of one device's participation in a session.
// The file counts are filled in once the device's archive has been
// received and unpacked.
type MemberInfo struct {
	DeviceID      string   `json:"device_id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	OffsetNS      int64    `json:"clock_offset_ns"`
	Outcome       Outcome  `json:"outcome"`
	ExpectedFiles int      `json:"expected_file_count,omitempty"`
	ReceivedFiles int      `json:"received_file_count,omitempty"`
}

// Info is a snapshot of a session. Orchestrator methods return copies;
// mutating one has no effect on the session. StartedAt and StoppedAt
// are zero until recording actually started or stopped.
type Info struct {
	ID        string       `json:"session_id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	StartedAt time.Time    `json:"started_at,omitzero"`
	StoppedAt time.Time    `json:"stopped_at,omitzero"`
	State     State        `json:"state"`
	Dir       string       `json:"-"`
	Members   []MemberInfo `json:"devices"`
}

// member is the orchestrator-private mutable record behind MemberInfo.
type member struct {
	deviceID      string
	capabilities  []string
	offsetNS      int64
	outcome       Outcome
	expectedFiles int
	receivedFiles int
}

// session is the orchestrator-private session record. All access goes
// through the orchestrator's lock.
type session struct {
	id        string
	name      string
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	state     State
	dir       string
	members   map[string]*member
	flashSeq  int

	// aborted is closed exactly once when the session is aborted,
	// releasing any in-flight command dispatch waiting on a device.
	aborted chan struct{}

	// Per-session journals, opened when the session directory is
	// created and closed when the session reaches a terminal state.
	// Either may be nil when opening failed; appends are skipped.
	flashJournal  *journal.Writer
	statusJournal *journal.Writer
}

func (s *session) snapshot() Info {
	info := Info{
		ID:        s.id,
		Name:      s.name,
		CreatedAt: s.createdAt,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		State:     s.state,
		Dir:       s.dir,
	}
	for _, m := range s.members {
		info.Members = append(info.Members, MemberInfo{
			DeviceID:      m.deviceID,
			Capabilities:  append([]string(nil), m.capabilities...),
			OffsetNS:      m.offsetNS,
			Outcome:       m.outcome,
			ExpectedFiles: m.expectedFiles,
			ReceivedFiles: m.receivedFiles,
		})
	}
	return info
}

// SessionID builds the canonical session identifier from a creation
// time and an operator-supplied name: YYYYMMDD_HHMMSS_name, with the
// name reduced to a filesystem-safe slug.
func SessionID(createdAt time.Time, name string) string {
	return createdAt.Format("20060102_150405") + "_" + slugify(name)
}

// slugify lowers a session name to [a-z0-9-_], collapsing anything
// else to a single underscore.
func slugify(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "session"
	}
	return slug
}
