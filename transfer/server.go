// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fieldsync-dev/fieldsync/metrics"
	"github.com/fieldsync-dev/fieldsync/protocol"
)

// Header is the JSON object a device sends, in one length-prefixed
// frame, before streaming its archive bytes.
type Header struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	ArchiveName string `json:"archive_name"`
	FileCount   int    `json:"file_count"`
	SizeBytes   int64  `json:"size_bytes"`

	// Checksum is the lowercase hex BLAKE3-256 of the raw archive
	// bytes, computed by the device before upload.
	Checksum string `json:"checksum"`
}

// Record reports one finished upload attempt to the orchestrator.
// ExpectedFiles is the count the device declared in its header;
// ReceivedFiles is how many regular files actually came out of the
// archive.
type Record struct {
	SessionID     string
	DeviceID      string
	ArchiveName   string
	ArchivePath   string
	Bytes         int64
	ExpectedFiles int
	ReceivedFiles int
	Verified      bool
	Err           error
}

// IntegrityError reports an archive that arrived but failed
// verification. The received bytes are quarantined, never unpacked.
type IntegrityError struct {
	DeviceID string
	Field    string
	Want     string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("transfer: %s mismatch from %s: want %s, got %s",
		e.Field, e.DeviceID, e.Want, e.Got)
}

// Config tunes the transfer listener.
type Config struct {
	// Address to listen on, host:port. Port 0 picks a free port.
	Address string

	// DataDir is the root under which session directories live.
	// Archives land in DataDir/<session>/<device>/.
	DataDir string

	// ConnTimeout bounds one whole upload, header to last byte.
	ConnTimeout time.Duration

	// MaxArchiveBytes rejects headers declaring more.
	MaxArchiveBytes int64
}

// DefaultConfig returns deployment defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		Address:         ":9469",
		DataDir:         dataDir,
		ConnTimeout:     10 * time.Minute,
		MaxArchiveBytes: 32 << 30,
	}
}

// Deps carries the server's collaborators.
type Deps struct {
	Logger *slog.Logger

	// Authorize vets an upload header against the session's member
	// list before any bytes are accepted. Nil allows everything.
	Authorize func(sessionID, deviceID string) error

	// OnComplete receives a Record for every finished attempt,
	// verified or not. Usually the orchestrator's DeviceTransferred.
	OnComplete func(Record)

	// Metrics is nil-safe.
	Metrics *metrics.Metrics
}

// Server receives post-session file uploads from devices over TCP.
// Each connection carries exactly one archive: a framed JSON header,
// then the declared number of raw bytes.
type Server struct {
	config     Config
	logger     *slog.Logger
	authorize  func(sessionID, deviceID string) error
	onComplete func(Record)
	metrics    *metrics.Metrics
	listener   net.Listener
}

// NewServer binds the listener. Call Serve to start accepting.
func NewServer(config Config, deps Deps) (*Server, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("binding transfer listener: %w", err)
	}
	return &Server{
		config:     config,
		logger:     deps.Logger,
		authorize:  deps.Authorize,
		onComplete: deps.OnComplete,
		metrics:    deps.Metrics,
		listener:   listener,
	}, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts upload connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting transfer connection: %w", err)
		}
		go s.handle(conn)
	}
}

// Close releases the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	if s.config.ConnTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.ConnTimeout))
	}
	reader := bufio.NewReaderSize(conn, 64*1024)

	header, err := readHeader(reader)
	if err != nil {
		s.logger.Warn("rejecting upload with bad header",
			"remote", conn.RemoteAddr(), "error", err)
		s.reject(conn, protocol.CodeBadParam, err.Error())
		drain(reader)
		return
	}
	if err := s.vetHeader(header); err != nil {
		s.logger.Warn("rejecting upload",
			"remote", conn.RemoteAddr(),
			"device", header.DeviceID,
			"session", header.SessionID,
			"error", err,
		)
		s.reject(conn, protocol.CodeBadParam, err.Error())
		drain(reader)
		return
	}

	record := s.receive(header, reader)
	if record.Err != nil {
		s.logger.Warn("upload failed",
			"device", header.DeviceID,
			"session", header.SessionID,
			"error", record.Err,
		)
		s.reject(conn, protocol.CodeTransferFailed, record.Err.Error())
	} else {
		s.logger.Info("upload verified",
			"device", header.DeviceID,
			"session", header.SessionID,
			"archive", header.ArchiveName,
			"bytes", record.Bytes,
		)
		s.accept(conn)
	}

	s.metrics.TransferBytes(record.Bytes)
	if record.Verified {
		s.metrics.TransferCompleted("verified")
	} else {
		s.metrics.TransferCompleted("failed")
	}
	if s.onComplete != nil {
		s.onComplete(record)
	}
}

// vetHeader checks the header before a single archive byte is read.
func (s *Server) vetHeader(header *Header) error {
	switch {
	case header.SessionID == "" || header.DeviceID == "":
		return errors.New("header missing session_id or device_id")
	case header.ArchiveName == "":
		return errors.New("header missing archive_name")
	case header.SizeBytes <= 0:
		return fmt.Errorf("implausible archive size %d", header.SizeBytes)
	case s.config.MaxArchiveBytes > 0 && header.SizeBytes > s.config.MaxArchiveBytes:
		return fmt.Errorf("archive size %d exceeds limit %d", header.SizeBytes, s.config.MaxArchiveBytes)
	case !filepath.IsLocal(header.ArchiveName) || strings.ContainsRune(header.ArchiveName, os.PathSeparator):
		return fmt.Errorf("archive name %q is not a plain file name", header.ArchiveName)
	case !filepath.IsLocal(header.SessionID) || !filepath.IsLocal(header.DeviceID):
		return errors.New("session or device id is not filesystem-safe")
	}
	if s.authorize != nil {
		if err := s.authorize(header.SessionID, header.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

// receive streams the archive to disk, verifies it, and either lands
// it in the device directory (followed by unpack) or quarantines it.
func (s *Server) receive(header *Header, reader io.Reader) Record {
	record := Record{
		SessionID:     header.SessionID,
		DeviceID:      header.DeviceID,
		ArchiveName:   header.ArchiveName,
		ExpectedFiles: header.FileCount,
	}

	deviceDir := filepath.Join(s.config.DataDir, header.SessionID, header.DeviceID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		record.Err = fmt.Errorf("creating device directory: %w", err)
		return record
	}

	partialPath := filepath.Join(deviceDir, ".partial-"+header.ArchiveName)
	file, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		record.Err = fmt.Errorf("creating partial file: %w", err)
		return record
	}

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(reader, header.SizeBytes))
	record.Bytes = written
	if closeErr := closeSynced(file); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partialPath)
		record.Err = fmt.Errorf("receiving archive: %w", err)
		return record
	}
	if written != header.SizeBytes {
		os.Remove(partialPath)
		record.Err = &IntegrityError{
			DeviceID: header.DeviceID,
			Field:    "size",
			Want:     strconv.FormatInt(header.SizeBytes, 10),
			Got:      strconv.FormatInt(written, 10),
		}
		return record
	}

	gotChecksum := hex.EncodeToString(hasher.Sum(nil))
	if gotChecksum != strings.ToLower(header.Checksum) {
		quarantined, moveErr := s.quarantine(partialPath, header)
		record.ArchivePath = quarantined
		record.Err = &IntegrityError{
			DeviceID: header.DeviceID,
			Field:    "checksum",
			Want:     header.Checksum,
			Got:      gotChecksum,
		}
		if moveErr != nil {
			s.logger.Error("quarantining archive", "device", header.DeviceID, "error", moveErr)
		}
		return record
	}

	archivePath := filepath.Join(deviceDir, header.ArchiveName)
	if err := os.Rename(partialPath, archivePath); err != nil {
		record.Err = fmt.Errorf("landing archive: %w", err)
		return record
	}
	record.ArchivePath = archivePath

	extracted, err := Unpack(archivePath, deviceDir)
	record.ReceivedFiles = extracted
	if err != nil {
		record.Err = fmt.Errorf("unpacking archive: %w", err)
		return record
	}

	// The checksum proves the bytes arrived intact; the count check
	// catches a device that packed fewer files than it recorded. The
	// archive itself stays in place for inspection.
	if header.FileCount > 0 && extracted != header.FileCount {
		record.Err = &IntegrityError{
			DeviceID: header.DeviceID,
			Field:    "file_count",
			Want:     strconv.Itoa(header.FileCount),
			Got:      strconv.Itoa(extracted),
		}
		return record
	}

	record.Verified = true
	return record
}

// quarantine moves a failed archive aside for operator inspection
// instead of deleting evidence.
func (s *Server) quarantine(partialPath string, header *Header) (string, error) {
	quarantineDir := filepath.Join(s.config.DataDir,
		header.SessionID, header.DeviceID, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", err
	}
	target := filepath.Join(quarantineDir, header.ArchiveName)
	if err := os.Rename(partialPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// accept and reject send the closing result frame. Write errors are
// ignored: the device may already be gone, and the Record stands
// either way.
func (s *Server) accept(conn net.Conn) {
	result := protocol.NewEvent(protocol.EventTransferResult, map[string]any{
		"status": protocol.AckOK,
	})
	protocol.WriteFrame(conn, result)
}

func (s *Server) reject(conn net.Conn, code, message string) {
	result := protocol.NewEvent(protocol.EventTransferResult, map[string]any{
		"status":  "error",
		"code":    code,
		"message": message,
	})
	protocol.WriteFrame(conn, result)
}

// drain consumes leftover upload bytes so closing the socket does not
// reset the connection before the result frame reaches the device.
func drain(reader io.Reader) {
	io.Copy(io.Discard, io.LimitReader(reader, 1<<20))
}

// readHeader reads the single length-prefixed header frame.
func readHeader(reader *bufio.Reader) (*Header, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	length, err := strconv.Atoi(line)
	if err != nil || length <= 0 || length > 1<<20 {
		return nil, fmt.Errorf("implausible header length %q", line)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("reading header payload: %w", err)
	}
	var header Header
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, nil
}

// closeSynced flushes file contents to stable storage before closing.
func closeSynced(file *os.File) error {
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
