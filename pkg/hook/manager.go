package hook

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mbeema/ntwatch/pkg/capture"
	"go.uber.org/zap"
)

// Callbacks for messages received from monitored processes.
type Callbacks struct {
	OnTrace     func(hdr Header, rec *capture.Record)
	OnBootstrap func(hdr Header, report *BootstrapReport)
	OnStats     func(hdr Header, report *StatsReport)
}

// Manager listens on a Unix DGRAM socket for trace records sent by the
// in-process layer of every monitored process. A pool of reader
// goroutines parses and dispatches datagrams.
type Manager struct {
	socketPath string
	dormant    bool
	logger     *zap.Logger
	callbacks  Callbacks
	numWorkers int

	conn    *net.UnixConn
	control *ControlFile
	wg      sync.WaitGroup
	stopCh  chan struct{}

	received  atomic.Int64
	malformed atomic.Int64
}

// NewManager creates a new hook manager. When dormant is set the control
// file starts with tracing disabled.
func NewManager(socketPath string, dormant bool, callbacks Callbacks, logger *zap.Logger) *Manager {
	// Use at least 2 workers, up to GOMAXPROCS
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	if workers > 8 {
		workers = 8
	}

	return &Manager{
		socketPath: socketPath,
		dormant:    dormant,
		logger:     logger,
		callbacks:  callbacks,
		numWorkers: workers,
		stopCh:     make(chan struct{}),
	}
}

// Start begins listening for messages.
func (m *Manager) Start(ctx context.Context) error {
	dir := filepath.Dir(m.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.socketPath)

	addr := &net.UnixAddr{Name: m.socketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	conn.SetReadBuffer(4 * 1024 * 1024)

	// Monitored processes may run as other users.
	os.Chmod(m.socketPath, 0777)

	ctrl, err := CreateControlFile(dir, m.dormant)
	if err != nil {
		m.logger.Warn("failed to create control file (on-demand tracing unavailable)", zap.Error(err))
	} else {
		m.control = ctrl
		m.logger.Info("control file created",
			zap.String("path", ctrl.Path()),
			zap.Bool("dormant", m.dormant),
		)
	}

	m.logger.Info("hook manager listening",
		zap.String("socket", m.socketPath),
		zap.Int("workers", m.numWorkers),
	)

	// DGRAM sockets deliver whole datagrams, so readers can share the conn.
	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.readLoop(ctx, i)
	}

	return nil
}

// Stop shuts down the hook manager.
func (m *Manager) Stop() error {
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
	m.wg.Wait()
	if m.control != nil {
		m.control.Close()
		m.control.Remove()
	}
	os.Remove(m.socketPath)
	return nil
}

// EnableTracing activates tracing in all monitored processes.
func (m *Manager) EnableTracing() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("tracing enabled")
	return m.control.Enable()
}

// DisableTracing makes all dispatchers pass-through.
func (m *Manager) DisableTracing() error {
	if m.control == nil {
		return fmt.Errorf("control file not available")
	}
	m.logger.Info("tracing disabled (dormant)")
	return m.control.Disable()
}

// IsTracingEnabled returns the current tracing state.
func (m *Manager) IsTracingEnabled() bool {
	return m.control.Enabled()
}

// Counts returns the number of datagrams received and how many of them
// could not be parsed.
func (m *Manager) Counts() (received, malformed int64) {
	return m.received.Load(), m.malformed.Load()
}

func (m *Manager) readLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	buf := make([]byte, HeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Int("worker", workerID), zap.Error(err))
				continue
			}
		}
		m.received.Add(1)

		msg, err := ParseMessage(buf[:n])
		if err != nil {
			m.malformed.Add(1)
			m.logger.Debug("parse error", zap.Error(err))
			continue
		}

		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg *Message) {
	h := msg.Header

	switch h.MsgType {
	case MsgTrace:
		if m.callbacks.OnTrace == nil {
			return
		}
		rec, err := msg.Trace()
		if err != nil {
			m.malformed.Add(1)
			m.logger.Debug("bad trace payload", zap.Uint32("pid", h.PID), zap.Error(err))
			return
		}
		m.callbacks.OnTrace(h, rec)

	case MsgBootstrap:
		if m.callbacks.OnBootstrap == nil {
			return
		}
		report, err := msg.Bootstrap()
		if err != nil {
			m.malformed.Add(1)
			m.logger.Debug("bad bootstrap payload", zap.Uint32("pid", h.PID), zap.Error(err))
			return
		}
		m.callbacks.OnBootstrap(h, report)

	case MsgStats:
		if m.callbacks.OnStats == nil {
			return
		}
		report, err := msg.Stats()
		if err != nil {
			m.malformed.Add(1)
			m.logger.Debug("bad stats payload", zap.Uint32("pid", h.PID), zap.Error(err))
			return
		}
		m.callbacks.OnStats(h, report)

	default:
		m.malformed.Add(1)
		m.logger.Debug("unknown message type", zap.String("type", MsgTypeName(h.MsgType)))
	}
}
