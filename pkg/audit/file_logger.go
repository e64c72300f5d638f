package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	activeLogName   = "audit.log"
	rotatedPrefix   = "audit-"
	rotatedSuffix   = ".log"
	rotatedStampFmt = "20060102T150405.000000000Z"
)

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding audit.log and rotated files
	Rotate   bool
	MaxSize  int64 // bytes before rotation
	MaxFiles int   // rotated files kept
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/bastion/audit",
		Rotate:   true,
		MaxSize:  100 << 20,
		MaxFiles: 10,
	}
}

// FileLogger appends audit events as JSON lines to BasePath/audit.log
type FileLogger struct {
	cfg FileLoggerConfig

	mu   sync.Mutex
	out  *os.File
	size int64
}

// NewFileLogger creates the directory and opens the active file
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	defaults := DefaultFileLoggerConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaults.MaxFiles
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{cfg: cfg}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) activePath() string {
	return filepath.Join(l.cfg.BasePath, activeLogName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.out, l.size = f, info.Size()
	return nil
}

// Log writes one line. Rotation happens before a write that would start
// past MaxSize, so a single event never spans files.
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return errors.New("audit log file is closed")
	}
	if l.cfg.Rotate && l.size > 0 && l.size >= l.cfg.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := l.out.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func (l *FileLogger) rotate() error {
	if err := l.out.Close(); err != nil {
		return err
	}
	l.out = nil

	name := rotatedPrefix + time.Now().UTC().Format(rotatedStampFmt) + rotatedSuffix
	if err := os.Rename(l.activePath(), filepath.Join(l.cfg.BasePath, name)); err != nil {
		return err
	}
	if err := l.open(); err != nil {
		return err
	}
	return l.prune()
}

// prune keeps the newest MaxFiles rotated files; stamps sort lexically
func (l *FileLogger) prune() error {
	rotated, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	excess := len(rotated) - l.cfg.MaxFiles
	for i := 0; i < excess; i++ {
		if err := os.Remove(filepath.Join(l.cfg.BasePath, rotated[i])); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", rotated[i], err)
		}
	}
	return nil
}

func (l *FileLogger) rotatedFiles() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.BasePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, rotatedPrefix) && strings.HasSuffix(name, rotatedSuffix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Close closes the active file; further Logs fail
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// ReadLogs reads up to limit events from the active file, oldest first;
// limit <= 0 reads all
func (l *FileLogger) ReadLogs(limit int) ([]*AuditEvent, error) {
	f, err := os.Open(l.activePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []*AuditEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() && (limit <= 0 || len(events) < limit) {
		if len(sc.Bytes()) == 0 {
			continue
		}
		event := &AuditEvent{}
		if err := json.Unmarshal(sc.Bytes(), event); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}
