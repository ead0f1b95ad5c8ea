// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/fieldsync-dev/fieldsync/registry"
	"github.com/fieldsync-dev/fieldsync/session"
)

// controlServer is the operator's session interface: a line-oriented
// protocol on a local unix socket, one request per line, one JSON
// reply per line. The dashboard (out of scope here) and `nc` both
// speak it.
//
// Requests:
//
//	start <name>   create and start a session
//	stop           stop the active session
//	abort          cancel the active session without transfers
//	flash          trigger a flash sync event
//	status         report devices and the active session
type controlServer struct {
	listener     net.Listener
	orchestrator *session.Orchestrator
	registry     *registry.Registry
	logger       *slog.Logger
}

func newControlServer(socketPath string, orch *session.Orchestrator, reg *registry.Registry, logger *slog.Logger) (*controlServer, error) {
	// A dead hub leaves a stale socket file behind; rebinding over it
	// requires removing it first.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale control socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control socket on %s: %w", socketPath, err)
	}
	return &controlServer{
		listener:     listener,
		orchestrator: orch,
		registry:     reg,
		logger:       logger,
	}, nil
}

func (c *controlServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control accept: %w", err)
		}
		go c.handle(ctx, conn)
	}
}

func (c *controlServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		verb, argument, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		reply := c.dispatch(ctx, verb, strings.TrimSpace(argument))
		encoded, err := json.Marshal(reply)
		if err != nil {
			c.logger.Warn("encoding control reply", "error", err)
			return
		}
		if _, err := conn.Write(append(encoded, '\n')); err != nil {
			return
		}
	}
}

// controlReply is the JSON answer to one control request.
type controlReply struct {
	OK      bool                  `json:"ok"`
	Error   string                `json:"error,omitempty"`
	Session *session.Info         `json:"session,omitempty"`
	EventID string                `json:"event_id,omitempty"`
	Devices []registry.DeviceInfo `json:"devices,omitempty"`
}

func (c *controlServer) dispatch(ctx context.Context, verb, argument string) controlReply {
	switch verb {
	case "start":
		if argument == "" {
			return controlReply{Error: "start requires a session name"}
		}
		info, err := c.orchestrator.Start(ctx, argument)
		if err != nil {
			return controlReply{Error: err.Error()}
		}
		return controlReply{OK: true, Session: &info}

	case "stop":
		info, err := c.orchestrator.Stop(ctx)
		if err != nil {
			return controlReply{Error: err.Error()}
		}
		return controlReply{OK: true, Session: &info}

	case "abort":
		info, err := c.orchestrator.Abort(ctx)
		if err != nil {
			return controlReply{Error: err.Error()}
		}
		return controlReply{OK: true, Session: &info}

	case "flash":
		eventID, err := c.orchestrator.FlashSync(ctx)
		if err != nil {
			return controlReply{Error: err.Error()}
		}
		return controlReply{OK: true, EventID: eventID}

	case "status":
		reply := controlReply{OK: true, Devices: c.registry.Snapshot()}
		if info, ok := c.orchestrator.Current(); ok {
			reply.Session = &info
		}
		return reply

	default:
		return controlReply{Error: fmt.Sprintf("unknown request %q", verb)}
	}
}
