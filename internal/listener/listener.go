// Package listener receives newline-delimited JSON status fragments
// from the supervised process over a local datagram socket.
package listener

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"
)

// readBufferSize is the fixed size of one datagram read.
const readBufferSize = 8 * 1024

// Listener is a non-blocking UDP endpoint. The supervisor's poll loop
// calls Drain between process checks; the listener never blocks it.
type Listener struct {
	conn            *net.UDPConn
	maxMessageBytes int
	logger          *slog.Logger

	readBuf []byte
	pending []byte

	mu     sync.Mutex
	status map[string]any
}

// New binds the listener to the given localhost port.
func New(port, maxMessageBytes int, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("binding status listener on port %d: %w", port, err)
	}
	return &Listener{
		conn:            conn,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		readBuf:         make([]byte, readBufferSize),
		status:          make(map[string]any),
	}, nil
}

// Port returns the bound port, useful when port 0 requested an
// ephemeral one.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Drain reads every pending datagram without blocking and returns the
// number of successfully parsed status messages.
func (l *Listener) Drain() int {
	parsed := 0
	for {
		_ = l.conn.SetReadDeadline(time.Now())
		n, _, err := l.conn.ReadFromUDP(l.readBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return parsed
			}
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return parsed
			}
			l.logger.Warn("status socket read failed", "error", err)
			return parsed
		}
		parsed += l.consume(l.readBuf[:n])
	}
}

// consume appends received bytes to the pending fragment and extracts
// complete newline-terminated messages. On overflow the whole buffered
// fragment is discarded; the next newline re-establishes a boundary.
func (l *Listener) consume(data []byte) int {
	if len(l.pending)+len(data) > l.maxMessageBytes {
		l.logger.Warn("status message exceeds size limit, discarding fragment",
			"buffered", len(l.pending), "received", len(data), "limit", l.maxMessageBytes)
		l.pending = l.pending[:0]
		return 0
	}
	l.pending = append(l.pending, data...)

	parsed := 0
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			return parsed
		}
		line := l.pending[:idx]
		l.pending = l.pending[idx+1:]
		if l.handleMessage(line) {
			parsed++
		}
	}
}

// handleMessage parses one message and merges it into the pending
// status payload. Malformed input is expected on a lossy local channel
// and is dropped without escalating.
func (l *Listener) handleMessage(line []byte) bool {
	if len(bytes.TrimSpace(line)) == 0 {
		return false
	}
	if !utf8.Valid(line) {
		l.logger.Debug("dropping status message with invalid UTF-8")
		return false
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		l.logger.Debug("dropping malformed status message", "error", err)
		return false
	}

	l.mu.Lock()
	for k, v := range msg {
		l.status[k] = v
	}
	l.mu.Unlock()
	return true
}

// Status returns a copy of the accumulated status payload.
func (l *Listener) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(l.status))
	for k, v := range l.status {
		out[k] = v
	}
	return out
}

// Close releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
