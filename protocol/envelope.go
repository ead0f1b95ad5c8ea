// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
)

// Version is the current protocol version carried in the "v" field of
// every envelope. Consumers must accept envelopes with a version they
// do not recognize as long as the fields they need are present;
// rejecting on version alone breaks rolling upgrades.
const Version = 1

// Kind distinguishes the four envelope types on the wire.
type Kind string

const (
	// KindCommand is a hub-to-spoke instruction that must be
	// acknowledged by exactly one ack or error envelope carrying the
	// command's sequence id in ack_id.
	KindCommand Kind = "cmd"

	// KindAck acknowledges a command. Status "ok" means the command
	// took effect or was already in effect, since command handling
	// is idempotent; any other status is a spoke-reported failure.
	KindAck Kind = "ack"

	// KindEvent is an unsolicited spoke-to-hub notification
	// (heartbeat, flash detection, error report). Events carry no
	// sequence id and are unordered relative to commands.
	KindEvent Kind = "event"

	// KindError is a command rejection with a machine-readable code.
	// Like an ack, it correlates to a command via ack_id.
	KindError Kind = "error"
)

// Command names understood by spokes.
const (
	CommandQueryCapabilities = "query_capabilities"
	CommandStartRecording    = "start_recording"
	CommandStopRecording     = "stop_recording"
	CommandFlashSync         = "flash_sync"
	CommandTimeSync          = "time_sync"
	CommandTransferFiles     = "transfer_files"
	CommandRejoinSession     = "rejoin_session"
)

// Event names emitted by spokes.
const (
	// EventHello is the first envelope on a new connection: the
	// device announces its identity.
	EventHello = "hello"

	EventHeartbeat   = "heartbeat"
	EventFlash       = "flash"
	EventErrorReport = "error_report"

	// EventTransferResult closes an upload connection: the hub's
	// verdict on the received archive.
	EventTransferResult = "transfer_result"
)

// Error codes carried in KindError envelopes.
const (
	CodeBadParam           = "E_BAD_PARAM"
	CodeUnsupportedVersion = "E_UNSUPPORTED_VERSION"
	CodeBusy               = "E_BUSY"
	CodeUnknownSession     = "E_UNKNOWN_SESSION"
	CodeTransferFailed     = "E_TRANSFER_FAILED"
	CodeInternal           = "E_INTERNAL"
)

// AckOK is the status value of a successful acknowledgment.
const AckOK = "ok"

// Envelope is the unit of wire exchange. The fixed fields cover the
// routing concerns (correlation, dispatch); everything
// command-specific or unrecognized lives in Extra and round-trips
// through encode/decode untouched. That is the forward-compatibility
// contract: a hub must never reject an envelope because a newer spoke
// added a field.
type Envelope struct {
	// Version is the protocol version ("v" on the wire).
	Version int

	// Kind is the envelope type ("type" on the wire).
	Kind Kind

	// ID is the command sequence id, monotonically increasing per
	// connection. Zero for acks, errors, and events.
	ID int64

	// Command is the command name. Only set when Kind is KindCommand.
	Command string

	// AckID correlates an ack or error to the command it answers.
	AckID int64

	// Status is the ack outcome ("ok" or a spoke-defined failure
	// string). Only set when Kind is KindAck.
	Status string

	// Name is the event name. Only set when Kind is KindEvent.
	Name string

	// Code and Message describe a rejection. Only set when Kind is
	// KindError.
	Code    string
	Message string

	// Extra carries all remaining payload fields: command parameters
	// (session_id, t0, host, ...) and any keys this version does not
	// know about.
	Extra map[string]any
}

// reserved keys handled by the fixed Envelope fields. Extra never
// contains these.
var reservedKeys = map[string]bool{
	"v": true, "type": true, "id": true, "command": true,
	"ack_id": true, "status": true, "name": true,
	"code": true, "message": true,
}

// MarshalJSON encodes the envelope in the v=1 wire layout. Fixed
// fields are emitted only when meaningful for the envelope's kind;
// Extra fields are merged in alongside them.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(e.Extra)+6)
	for key, value := range e.Extra {
		if !reservedKeys[key] {
			fields[key] = value
		}
	}
	fields["v"] = e.Version
	fields["type"] = string(e.Kind)
	switch e.Kind {
	case KindCommand:
		fields["id"] = e.ID
		fields["command"] = e.Command
	case KindAck:
		fields["ack_id"] = e.AckID
		fields["status"] = e.Status
	case KindEvent:
		fields["name"] = e.Name
	case KindError:
		fields["ack_id"] = e.AckID
		fields["code"] = e.Code
		fields["message"] = e.Message
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes an envelope, preserving unknown fields in
// Extra. Numbers in Extra decode as json.Number so 64-bit nanosecond
// timestamps survive the trip without float rounding.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return err
	}

	*e = Envelope{Extra: make(map[string]any)}
	for key, value := range fields {
		switch key {
		case "v":
			e.Version = asInt(value)
		case "type":
			e.Kind = Kind(asString(value))
		case "id":
			e.ID = asInt64(value)
		case "command":
			e.Command = asString(value)
		case "ack_id":
			e.AckID = asInt64(value)
		case "status":
			e.Status = asString(value)
		case "name":
			e.Name = asString(value)
		case "code":
			e.Code = asString(value)
		case "message":
			e.Message = asString(value)
		default:
			e.Extra[key] = value
		}
	}
	// A missing type field is left for the caller to classify: the
	// frame decoder reports it as a structural decode error.
	return nil
}

// Int64Field returns a 64-bit integer payload field from Extra.
// Returns false when the field is absent or not numeric.
func (e *Envelope) Int64Field(key string) (int64, bool) {
	value, ok := e.Extra[key]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// StringField returns a string payload field from Extra. Returns
// false when the field is absent or not a string.
func (e *Envelope) StringField(key string) (string, bool) {
	value, ok := e.Extra[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asInt(value any) int {
	return int(asInt64(value))
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
