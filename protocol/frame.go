// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameLength caps the declared payload length of a single frame.
// 16 MB is far beyond any legitimate envelope; a larger declaration is
// either corruption or a stream desynchronization.
const maxFrameLength = 16 * 1024 * 1024

// maxLengthDigits caps the length prefix itself. 8 decimal digits
// covers maxFrameLength with room to spare.
const maxLengthDigits = 8

// ErrIncomplete reports that the buffered bytes do not yet contain a
// complete frame. The caller should read more data and try again.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// DecodeError is a typed decode failure for one malformed frame. The
// connection is still usable: the caller decides whether to Recover
// (drop bytes up to the next plausible frame boundary) or close after
// persistent failures.
type DecodeError struct {
	// Reason classifies the failure.
	Reason DecodeReason

	// Detail is the underlying problem, human-readable.
	Detail string
}

// DecodeReason classifies frame decode failures.
type DecodeReason string

const (
	// ReasonBadLength means the length prefix is not a plausible
	// decimal number (overlong, or exceeds maxFrameLength).
	ReasonBadLength DecodeReason = "bad_length"

	// ReasonBadPayload means the payload bytes are not a valid JSON
	// object.
	ReasonBadPayload DecodeReason = "bad_payload"

	// ReasonBadStructure means the payload parsed but is not an
	// envelope (missing type field, not an object).
	ReasonBadStructure DecodeReason = "bad_structure"
)

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode failed (%s): %s", e.Reason, e.Detail)
}

// EncodeFrame encodes an envelope into the length-prefixed wire form
// "<decimal-byte-length>\n<payload-bytes>". Encoding always emits
// this form; the legacy newline-delimited form is accepted on decode
// only.
func EncodeFrame(envelope *Envelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, 0, len(payload)+maxLengthDigits+1)
	frame = appendDecimal(frame, len(payload))
	frame = append(frame, '\n')
	frame = append(frame, payload...)
	return frame, nil
}

// WriteFrame encodes envelope and writes the frame to w.
func WriteFrame(w io.Writer, envelope *Envelope) error {
	frame, err := EncodeFrame(envelope)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func appendDecimal(b []byte, n int) []byte {
	return append(b, []byte(fmt.Sprintf("%d", n))...)
}

// Decoder turns a byte stream back into envelopes. Feed it reads as
// they arrive; Next returns complete envelopes one at a time,
// tolerating partial frames across reads.
//
// Two frame formats are accepted, distinguished by the bytes before
// the first newline: all-digits means length-prefixed, anything else
// is treated as a legacy newline-delimited JSON line. A malformed
// frame yields a *DecodeError without consuming subsequent frames'
// bytes beyond the broken one; the zero-value decoder is ready to use.
type Decoder struct {
	buffer []byte

	// failures counts consecutive Next calls that returned a
	// *DecodeError, for callers enforcing a close-after-N policy.
	// Reset on every successful decode.
	failures int
}

// Feed appends raw bytes received from the connection.
func (d *Decoder) Feed(data []byte) {
	d.buffer = append(d.buffer, data...)
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int { return len(d.buffer) }

// ConsecutiveFailures returns how many *DecodeError results Next has
// produced since the last successful decode.
func (d *Decoder) ConsecutiveFailures() int { return d.failures }

// Next returns the next complete envelope. Returns ErrIncomplete when
// more bytes are needed, or a *DecodeError when the frame at the head
// of the buffer is malformed. On *DecodeError the broken frame's
// bytes are consumed when the boundary is known; call Recover to skip
// ahead when it is not.
func (d *Decoder) Next() (*Envelope, error) {
	newline := bytes.IndexByte(d.buffer, '\n')
	if newline == -1 {
		// No newline yet. An absurdly long prefix cannot be a
		// length field, and a legacy line this long is equally
		// broken.
		if len(d.buffer) > maxFrameLength {
			d.failures++
			return nil, &DecodeError{Reason: ReasonBadLength, Detail: "no frame boundary within maximum frame length"}
		}
		return nil, ErrIncomplete
	}

	head := d.buffer[:newline]
	if isAllDigits(head) {
		return d.nextLengthPrefixed(head, newline)
	}
	return d.nextLegacyLine(newline)
}

// nextLengthPrefixed decodes a "<length>\n<payload>" frame whose
// length field is head.
func (d *Decoder) nextLengthPrefixed(head []byte, newline int) (*Envelope, error) {
	if len(head) > maxLengthDigits {
		d.failures++
		d.consume(newline + 1)
		return nil, &DecodeError{Reason: ReasonBadLength, Detail: fmt.Sprintf("length prefix %q too long", head)}
	}
	length := 0
	for _, digit := range head {
		length = length*10 + int(digit-'0')
	}
	if length > maxFrameLength {
		d.failures++
		d.consume(newline + 1)
		return nil, &DecodeError{Reason: ReasonBadLength, Detail: fmt.Sprintf("declared length %d exceeds maximum %d", length, maxFrameLength)}
	}

	start := newline + 1
	end := start + length
	if end > len(d.buffer) {
		return nil, ErrIncomplete
	}

	payload := d.buffer[start:end]
	envelope, err := parsePayload(payload)
	// The frame boundary is known regardless of payload validity:
	// consume the whole frame so one bad payload never desynchronizes
	// the stream.
	d.consume(end)
	if err != nil {
		d.failures++
		return nil, err
	}
	d.failures = 0
	return envelope, nil
}

// nextLegacyLine decodes one newline-delimited JSON payload.
func (d *Decoder) nextLegacyLine(newline int) (*Envelope, error) {
	line := bytes.TrimSuffix(d.buffer[:newline], []byte("\r"))
	d.consume(newline + 1)
	if len(bytes.TrimSpace(line)) == 0 {
		// Blank line between legacy frames. Skip it.
		return d.Next()
	}
	envelope, err := parsePayload(line)
	if err != nil {
		d.failures++
		return nil, err
	}
	d.failures = 0
	return envelope, nil
}

// Recover drops buffered bytes up to and including the next newline,
// the only plausible frame boundary in either format. When no newline
// is buffered the whole buffer is dropped. Returns the number of
// bytes discarded.
func (d *Decoder) Recover() int {
	newline := bytes.IndexByte(d.buffer, '\n')
	if newline == -1 {
		dropped := len(d.buffer)
		d.buffer = nil
		return dropped
	}
	d.consume(newline + 1)
	return newline + 1
}

func (d *Decoder) consume(n int) {
	remaining := len(d.buffer) - n
	if remaining == 0 {
		d.buffer = d.buffer[:0]
		return
	}
	copy(d.buffer, d.buffer[n:])
	d.buffer = d.buffer[:remaining]
}

func parsePayload(payload []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: ReasonBadPayload, Detail: "payload is not a JSON object"}
	}
	var envelope Envelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, &DecodeError{Reason: ReasonBadPayload, Detail: err.Error()}
	}
	if envelope.Kind == "" {
		return nil, &DecodeError{Reason: ReasonBadStructure, Detail: "envelope has no type field"}
	}
	return &envelope, nil
}

func isAllDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
