// Package processlock keeps a single instance of a long-running command per data directory
// using a PID file.
package processlock

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// ErrLocked is returned by Acquire while another live process holds the lock
var ErrLocked = errors.New("another instance is already running")

// Lock is a PID-file lock named after the command that holds it
type Lock struct {
	path   string
	logger *zap.Logger
}

// New returns the lock for name in dataDir, e.g. demo-server.pid
func New(dataDir, name string, logger *zap.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(dataDir, name+".pid"),
		logger: logger,
	}
}

// Path returns the PID file location
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock. When listenAddr is non-empty it also fails if the address is
// already bound. A PID file left by a dead process is replaced.
func (l *Lock) Acquire(listenAddr string) error {
	if listenAddr != "" {
		if err := portFree(listenAddr); err != nil {
			return err
		}
	}

	if pid, err := readPID(l.path); err == nil {
		if pid != os.Getpid() && alive(pid) {
			return fmt.Errorf("%w (PID %d, %s)", ErrLocked, pid, l.path)
		}
		l.logger.Warn("Replacing stale PID file", zap.Int("pid", pid), zap.String("pid_file", l.path))
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Unreadable PID file, replacing it", zap.String("pid_file", l.path), zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(l.path), err)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Debug("Process lock acquired", zap.Int("pid", os.Getpid()), zap.String("pid_file", l.path))
	return nil
}

// Release removes the PID file if this process owns it
func (l *Lock) Release() error {
	pid, err := readPID(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Close implements io.Closer so the lock can be handed to a shutdown coordinator
func (l *Lock) Close() error {
	return l.Release()
}

func portFree(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	return ln.Close()
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid PID %q in %s", raw, path)
	}
	return pid, nil
}

// alive sends signal 0; FindProcess always succeeds on Unix
func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
