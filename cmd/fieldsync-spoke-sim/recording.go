// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/transfer"
)

// recording is one in-progress or finished capture: a directory of
// simulated sensor files plus the writer goroutine filling them.
type recording struct {
	sessionID string
	dir       string
	stop      chan struct{}
	stopped   bool
}

// startRecording begins a capture for sessionID. Redelivered starts
// for the session already recording are acknowledged as success; a
// start while a different session is recording is a busy rejection.
func (s *spoke) startRecording(ackID int64, sessionID string) *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.recording; current != nil {
		if current.sessionID == sessionID && !current.stopped {
			s.logger.Info("start redelivered, already recording", "session", sessionID)
			return protocol.NewAck(ackID, protocol.AckOK)
		}
		return protocol.NewError(ackID, protocol.CodeBusy,
			fmt.Sprintf("already holding session %s", current.sessionID))
	}

	dir := filepath.Join(s.workDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.NewError(ackID, protocol.CodeInternal, err.Error())
	}
	rec := &recording{
		sessionID: sessionID,
		dir:       dir,
		stop:      make(chan struct{}),
	}
	s.recording = rec
	go s.captureLoop(rec)
	s.logger.Info("recording started", "session", sessionID, "dir", dir)
	return protocol.NewAck(ackID, protocol.AckOK)
}

// captureLoop appends simulated sensor samples until stopped. The
// content only needs to be nonempty and device-identifiable; the
// point is exercising the capture-transfer-verify path, not producing
// realistic signals.
func (s *spoke) captureLoop(rec *recording) {
	file, err := os.OpenFile(filepath.Join(rec.dir, "sensor.dat"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("opening capture file", "error", err)
		return
	}
	defer file.Close()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprintf(file, "%s %d\n", s.deviceID, s.localNowNS())
		case <-rec.stop:
			return
		}
	}
}

// stopRecording ends the capture but keeps the files for transfer.
// Stops for an unknown session and redelivered stops are both
// answered as success; local data is never at risk either way.
func (s *spoke) stopRecording(ackID int64, sessionID string) *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recording
	if rec == nil || rec.sessionID != sessionID {
		s.logger.Info("stop for session not recording", "session", sessionID)
		return protocol.NewAck(ackID, protocol.AckOK)
	}
	if !rec.stopped {
		close(rec.stop)
		rec.stopped = true
		s.logger.Info("recording stopped", "session", sessionID)
	}
	return protocol.NewAck(ackID, protocol.AckOK)
}

func (s *spoke) discardRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.recording; rec != nil {
		if !rec.stopped {
			close(rec.stop)
			rec.stopped = true
		}
		s.recording = nil
		s.logger.Info("recording discarded", "session", rec.sessionID)
	}
}

// transfer packs the session's files into a zstd-compressed tar and
// uploads it to the hub's transfer listener, then reports the framed
// result. Local files are kept regardless of outcome; the hub asks
// again if verification failed.
func (s *spoke) transfer(address, sessionID string) {
	logger := s.logger.With("session", sessionID)

	s.mu.Lock()
	rec := s.recording
	s.mu.Unlock()
	if rec == nil || rec.sessionID != sessionID {
		logger.Warn("transfer requested for session not held")
		return
	}
	if !rec.stopped {
		s.stopRecording(0, sessionID)
	}

	archive, fileCount, err := packArchive(rec.dir)
	if err != nil {
		logger.Warn("packing archive", "error", err)
		return
	}
	sum := blake3.Sum256(archive)
	header := transfer.Header{
		SessionID:   sessionID,
		DeviceID:    s.deviceID,
		ArchiveName: s.deviceID + ".tar.zst",
		FileCount:   fileCount,
		SizeBytes:   int64(len(archive)),
		Checksum:    hex.EncodeToString(sum[:]),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		logger.Warn("encoding transfer header", "error", err)
		return
	}

	conn, err := net.Dial("tcp", address)
	if err != nil {
		logger.Warn("dialing transfer listener", "address", address, "error", err)
		return
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%d\n", len(headerJSON)); err != nil {
		logger.Warn("sending transfer header", "error", err)
		return
	}
	if _, err := conn.Write(headerJSON); err != nil {
		logger.Warn("sending transfer header", "error", err)
		return
	}
	if _, err := conn.Write(archive); err != nil {
		logger.Warn("sending archive", "error", err)
		return
	}
	if closer, ok := conn.(*net.TCPConn); ok {
		closer.CloseWrite()
	}

	result, err := readResult(conn)
	if err != nil {
		logger.Warn("reading transfer result", "error", err)
		return
	}
	status, _ := result.StringField("status")
	if status == "ok" {
		logger.Info("transfer verified", "bytes", len(archive), "files", fileCount)
		s.mu.Lock()
		if s.recording == rec {
			s.recording = nil
		}
		s.mu.Unlock()
		return
	}
	code, _ := result.StringField("code")
	message, _ := result.StringField("message")
	logger.Warn("transfer rejected", "code", code, "message", message)
}

// packArchive tars every regular file under dir and compresses the
// result with zstd.
func packArchive(dir string) ([]byte, int, error) {
	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, 0, err
	}
	tw := tar.NewWriter(zw)

	fileCount := 0
	err = filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     filepath.ToSlash(relative),
			Mode:     0o644,
			Size:     info.Size(),
			Typeflag: tar.TypeReg,
		}); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		if _, err := io.CopyN(tw, file, info.Size()); err != nil {
			return err
		}
		fileCount++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return compressed.Bytes(), fileCount, nil
}

// readResult decodes the framed result event the hub sends after
// consuming the archive.
func readResult(conn net.Conn) (*protocol.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(time.Minute))
	var decoder protocol.Decoder
	buffer := make([]byte, 4096)
	for {
		envelope, err := decoder.Next()
		if err == nil {
			return envelope, nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return nil, err
		}
		n, readErr := conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}
