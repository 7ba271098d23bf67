// Package pidfile records the PID of a running server and keeps a second
// instance from starting on the same file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned when the file names a live process
var ErrRunning = errors.New("server is already running")

// Pidfile is one PID file on disk
type Pidfile struct {
	path string
	pid  int
	held bool
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{
		path: path,
	}
}

// Acquire writes the current PID. A file naming a live process fails with
// ErrRunning; files naming dead processes or holding garbage are replaced.
func (p *Pidfile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err == nil {
			return p.write(file)
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create pidfile: %w", err)
		}

		if pid, readErr := p.Read(); readErr == nil && pid != os.Getpid() {
			if running, _ := isProcessRunning(pid); running {
				return fmt.Errorf("%w: pid %d in %s", ErrRunning, pid, p.path)
			}
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale pidfile: %w", err)
		}
	}
	return fmt.Errorf("failed to create pidfile %s: another process created it concurrently", p.path)
}

func (p *Pidfile) write(file *os.File) error {
	pid := os.Getpid()
	_, writeErr := file.WriteString(strconv.Itoa(pid) + "\n")
	syncErr := file.Sync()
	closeErr := file.Close()
	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(p.path)
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	p.pid = pid
	p.held = true
	return nil
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in pidfile %q", strings.TrimSpace(string(data)))
	}

	return pid, nil
}

// Release removes the file if this process wrote it
func (p *Pidfile) Release() error {
	if !p.held {
		return nil
	}
	p.held = false
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Held reports whether this process owns the file
func (p *Pidfile) Held() bool {
	return p.held
}

// PID returns the PID written by Acquire
func (p *Pidfile) PID() int {
	return p.pid
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}
