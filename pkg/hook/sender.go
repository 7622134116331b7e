// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/ntwatch/pkg/capture"
)

// Sender is the in-process side of the socket: a capture.Sink that ships
// each record to the agent as one datagram. The connection is dialed
// lazily and redialed after a failed write.
type Sender struct {
	socketPath string
	pid        uint32

	mu   sync.Mutex
	conn *net.UnixConn
	seq  atomic.Uint32
}

// NewSender creates a sender for the agent socket at socketPath.
func NewSender(socketPath string) *Sender {
	return &Sender{
		socketPath: socketPath,
		pid:        uint32(os.Getpid()),
	}
}

// Emit implements capture.Sink.
func (s *Sender) Emit(_ context.Context, rec *capture.Record) error {
	rec.Symbolize()
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if len(payload) > MaxPayload && len(rec.Frames) > 0 {
		// Drop the symbolized stack rather than the record.
		trimmed := *rec
		trimmed.Frames = nil
		if payload, err = json.Marshal(&trimmed); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.send(Header{
		MsgType:     MsgTrace,
		PID:         rec.PID,
		TID:         rec.TID,
		TimestampNS: uint64(ts.UnixNano()),
	}, payload)
}

// ReportBootstrap sends the outcome of the secondary hook bootstrap.
func (s *Sender) ReportBootstrap(r BootstrapReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode bootstrap report: %w", err)
	}
	return s.send(Header{
		MsgType:     MsgBootstrap,
		PID:         s.pid,
		TimestampNS: uint64(time.Now().UnixNano()),
	}, payload)
}

// ReportStats sends the dispatcher counters.
func (s *Sender) ReportStats(r StatsReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode stats report: %w", err)
	}
	return s.send(Header{
		MsgType:     MsgStats,
		PID:         s.pid,
		TimestampNS: uint64(time.Now().UnixNano()),
	}, payload)
}

func (s *Sender) send(h Header, payload []byte) error {
	if h.PID == 0 {
		h.PID = s.pid
	}
	h.Seq = s.seq.Add(1)
	buf, err := EncodeMessage(h, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		addr := &net.UnixAddr{Name: s.socketPath, Net: "unixgram"}
		conn, err := net.DialUnix("unixgram", nil, addr)
		if err != nil {
			return fmt.Errorf("dial agent socket: %w", err)
		}
		s.conn = conn
	}

	if _, err := s.conn.Write(buf); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write agent socket: %w", err)
	}
	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
