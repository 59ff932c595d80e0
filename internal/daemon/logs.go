package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// LogBroadcaster fans daemon log lines out to connected `inferd logs`
// clients and keeps a bounded history for late subscribers.
type LogBroadcaster struct {
	clients map[chan string]bool
	history []string
	maxHist int
	mu      sync.RWMutex
}

// NewLogBroadcaster creates a new log broadcaster with the specified history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 1000
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe adds a new client to receive log broadcasts
func (lb *LogBroadcaster) Subscribe() chan string {
	ch, _ := lb.SubscribeWithHistory(0)
	return ch
}

// SubscribeWithHistory adds a new client and returns up to historyLines of
// recent history. History is returned separately so replay never competes
// with live lines for channel capacity.
func (lb *LogBroadcaster) SubscribeWithHistory(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := len(lb.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}

	return ch, history
}

// Unsubscribe removes a client from receiving broadcasts
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.clients[ch]; !ok {
		return
	}
	delete(lb.clients, ch)
	close(ch)
}

// Broadcast sends a log message to all subscribed clients
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
			// Slow client, drop the line rather than block logging
		}
	}
}

// LogWriter is an io.Writer that broadcasts log messages
type LogWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *LogWriter) Write(p []byte) (n int, err error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// logLevel maps the -v count to a slog level.
func logLevel(verbose int) slog.Level {
	if verbose > 0 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupLogging makes a tint handler writing to stderr and to connected log
// clients the default logger.
func setupLogging(lb *LogBroadcaster, verbose int) {
	logWriter := &LogWriter{broadcaster: lb}
	multiWriter := io.MultiWriter(os.Stderr, logWriter)

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      logLevel(verbose),
		TimeFormat: time.DateTime,
	})

	slog.SetDefault(slog.New(handler))
}

// handleLogsWithHistory streams daemon logs to the client until they
// disconnect or the daemon shuts down.
func (d *Daemon) handleLogsWithHistory(conn net.Conn, historyLines int) {
	defer conn.Close()

	logChan, history := d.logBroadcast.SubscribeWithHistory(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	initialMsg := "Connected to inferd daemon logs. Press Ctrl+C to exit.\n"
	if _, err := conn.Write([]byte(initialMsg)); err != nil {
		slog.Warn(fmt.Sprintf("Failed to send initial message to logs client: %v", err))
		return
	}

	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case logMsg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(logMsg)); err != nil {
				return
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}
