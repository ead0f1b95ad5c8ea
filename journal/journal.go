// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal provides append-only on-disk journals for events
// the hub must not lose: flash/sync markers consumed by the alignment
// validator, and device/session status transitions consumed by
// operators reconstructing what happened during a capture.
//
// A journal file is a CBOR sequence, one record per data item,
// written through lib/codec's deterministic encoder. Appends are
// single write calls so a crash leaves at most one truncated record
// at the tail, which readers tolerate and report rather than fail on.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fieldsync-dev/fieldsync/lib/codec"
)

// Conventional journal file names within a session directory.
const (
	FlashFileName  = "flash.journal"
	StatusFileName = "status.journal"
)

// FlashEvent is one observation of a flash/sync marker by one device,
// timestamped on that device's local monotonic clock. Never mutated
// after creation.
type FlashEvent struct {
	DeviceID  string `cbor:"device_id"`
	SessionID string `cbor:"session_id"`

	// EventID groups observations of the same physical flash when
	// the trigger carried an id. Empty for spoke-detected flashes,
	// which the validator groups by time proximity instead.
	EventID string `cbor:"event_id,omitempty"`

	LocalTimestampNS int64 `cbor:"local_timestamp_ns"`

	// Confidence is the detector's certainty in [0, 1].
	Confidence float64 `cbor:"confidence"`
}

// StatusEvent records one connection-state or session-state
// transition for the observability surface and post-hoc diagnosis.
type StatusEvent struct {
	AtNS    int64  `cbor:"at_ns"`
	Subject string `cbor:"subject"` // device id, or the session id for session transitions
	From    string `cbor:"from"`
	To      string `cbor:"to"`
	Detail  string `cbor:"detail,omitempty"`
}

// Writer appends records to a journal file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// OpenWriter opens (creating if needed) a journal file for appending.
func OpenWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Writer{file: file}, nil
}

// Append encodes record and appends it in a single write call.
func (w *Writer) Append(record any) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Sync flushes appended records to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close closes the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ErrTruncated reports that a journal ended mid-record. The records
// returned alongside it are all complete entries before the tear.
var ErrTruncated = errors.New("journal: truncated trailing record")

// ReadFlashEvents reads every complete FlashEvent record in the
// journal at path. A truncated trailing record (crash during append)
// returns the complete records plus ErrTruncated.
func ReadFlashEvents(path string) ([]FlashEvent, error) {
	return readAll[FlashEvent](path)
}

// ReadStatusEvents reads every complete StatusEvent record in the
// journal at path, with the same truncation tolerance.
func ReadStatusEvents(path string) ([]StatusEvent, error) {
	return readAll[StatusEvent](path)
}

func readAll[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer file.Close()

	var records []T
	decoder := codec.NewDecoder(file)
	for {
		var record T
		err := decoder.Decode(&record)
		if err == nil {
			records = append(records, record)
			continue
		}
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return records, ErrTruncated
		}
		return records, fmt.Errorf("decode journal %s: %w", path, err)
	}
}
