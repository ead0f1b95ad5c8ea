// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// NewCommand builds a command envelope. fields carries the
// command-specific parameters and may be nil.
func NewCommand(command string, id int64, fields map[string]any) *Envelope {
	return &Envelope{
		Version: Version,
		Kind:    KindCommand,
		ID:      id,
		Command: command,
		Extra:   fields,
	}
}

// NewAck builds an acknowledgment for the command with sequence id
// ackID.
func NewAck(ackID int64, status string) *Envelope {
	return &Envelope{
		Version: Version,
		Kind:    KindAck,
		AckID:   ackID,
		Status:  status,
	}
}

// NewError builds a command rejection.
func NewError(ackID int64, code, message string) *Envelope {
	return &Envelope{
		Version: Version,
		Kind:    KindError,
		AckID:   ackID,
		Code:    code,
		Message: message,
	}
}

// NewEvent builds an unsolicited event envelope.
func NewEvent(name string, fields map[string]any) *Envelope {
	return &Envelope{
		Version: Version,
		Kind:    KindEvent,
		Name:    name,
		Extra:   fields,
	}
}

// QueryCapabilities builds the capability query issued right after a
// device handshakes.
func QueryCapabilities(id int64) *Envelope {
	return NewCommand(CommandQueryCapabilities, id, nil)
}

// StartRecording builds a session start command.
func StartRecording(id int64, sessionID string) *Envelope {
	return NewCommand(CommandStartRecording, id, map[string]any{
		"session_id": sessionID,
	})
}

// StopRecording builds a session stop command.
func StopRecording(id int64, sessionID string) *Envelope {
	return NewCommand(CommandStopRecording, id, map[string]any{
		"session_id": sessionID,
	})
}

// FlashSync builds a flash trigger command. The trigger timestamp is
// the hub's reference clock in nanoseconds; spokes record their own
// local detection timestamps.
func FlashSync(id int64, eventID string, triggerNS int64) *Envelope {
	return NewCommand(CommandFlashSync, id, map[string]any{
		"event_id":             eventID,
		"trigger_timestamp_ns": triggerNS,
	})
}

// TimeSyncRequest builds one trial of the four-timestamp exchange.
// seq numbers the trial within the synchronization event; t0 is the
// hub send timestamp in nanoseconds.
func TimeSyncRequest(id int64, seq int, t0 int64) *Envelope {
	return NewCommand(CommandTimeSync, id, map[string]any{
		"seq": seq,
		"t0":  t0,
	})
}

// TransferFiles builds the command directing a spoke to upload its
// session archive to the hub's transfer listener.
func TransferFiles(id int64, host string, port int, sessionID string) *Envelope {
	return NewCommand(CommandTransferFiles, id, map[string]any{
		"host":       host,
		"port":       port,
		"session_id": sessionID,
	})
}

// Heartbeat builds the periodic liveness event a spoke emits.
func Heartbeat(deviceID string, timestampNS int64) *Envelope {
	return NewEvent(EventHeartbeat, map[string]any{
		"device_id":    deviceID,
		"timestamp_ns": timestampNS,
	})
}

// RejoinSession builds the command a reconnecting spoke sends to
// reclaim its prior session membership.
func RejoinSession(id int64, deviceID, sessionID string) *Envelope {
	return NewCommand(CommandRejoinSession, id, map[string]any{
		"device_id":  deviceID,
		"session_id": sessionID,
	})
}
