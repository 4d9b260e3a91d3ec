package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-remote-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const historyTimeFormat = "2006-01-02 15:04:05"

// HistoryAgent wraps an Agent and appends one line per operation to the
// download history log.
type HistoryAgent struct {
	Agent   Agent
	logFile *os.File
	mu      sync.Mutex
	writer  *bufio.Writer
	now     func() time.Time
}

// NewHistoryAgent opens logFilePath for appending, creating its directory.
func NewHistoryAgent(inner Agent, logFilePath string) (*HistoryAgent, error) {
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history log directory: %w", err)
	}
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history log file %s: %w", logFilePath, err)
	}
	return &HistoryAgent{
		Agent:   inner,
		logFile: f,
		writer:  bufio.NewWriter(f),
		now:     time.Now,
	}, nil
}

// List implements Agent.
func (h *HistoryAgent) List(ctx context.Context, remotePath string) ([]models.RemoteItem, error) {
	items, err := h.Agent.List(ctx, remotePath)
	if err != nil {
		h.writeLog(fmt.Sprintf("LIST FAILED: %s: %v", remotePath, err))
		return nil, err
	}
	h.writeLog(fmt.Sprintf("LIST: %s (%d entries)", remotePath, len(items)))
	return items, nil
}

// Copy implements Agent.
func (h *HistoryAgent) Copy(ctx context.Context, remotePath, localDir string) (string, error) {
	start := h.now()
	finalPath, err := h.Agent.Copy(ctx, remotePath, localDir)
	if err != nil {
		h.writeLog(fmt.Sprintf("FAILED: Download of %s to %s: %v", remotePath, localDir, err))
		return finalPath, err
	}
	h.writeLog(fmt.Sprintf("SUCCESS: Downloaded %s to %s (%v)", remotePath, finalPath, h.now().Sub(start).Round(time.Millisecond)))
	return finalPath, nil
}

func (h *HistoryAgent) writeLog(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", h.now().Format(historyTimeFormat), message); err != nil {
		log.WithError(err).Warn("Error writing to history log")
		return
	}
	if err := h.writer.Flush(); err != nil {
		log.WithError(err).Warn("Error flushing history log")
	}
}

// Close flushes and closes the history log. The wrapped agent is not closed.
func (h *HistoryAgent) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errFlush := h.writer.Flush()
	errClose := h.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush history log buffer: %w", errFlush)
	}
	return errClose
}
