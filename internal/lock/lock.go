package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Owner describes the daemon holding an instance lock. It is written to the
// lock file so a second daemon can report who already serves the data dir.
type Owner struct {
	PID      int
	Instance string
	HTTPAddr string
	Driver   string
	Since    time.Time
}

func (o Owner) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PID %d", o.PID)
	if o.Instance != "" {
		fmt.Fprintf(&b, ", instance %q", o.Instance)
	}
	if o.HTTPAddr != "" {
		fmt.Fprintf(&b, ", http %s", o.HTTPAddr)
	}
	if o.Driver != "" {
		fmt.Fprintf(&b, ", %s store", o.Driver)
	}
	if !o.Since.IsZero() {
		fmt.Fprintf(&b, ", since %s", o.Since.Format(time.RFC3339))
	}
	return b.String()
}

// LockHeldError is returned when another daemon holds the instance lock.
type LockHeldError struct {
	Owner Owner
	Path  string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("data dir already served by %s (%s)", e.Owner, e.Path)
}

// Lock represents an acquired instance lock file.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes an exclusive flock on <dataDir>/LOCK so that two daemons never
// share one database, spool and admin socket. owner.PID and owner.Since are
// filled in. Returns LockHeldError describing the current holder otherwise.
func Acquire(dataDir string, owner Owner) (*Lock, error) {
	lockPath := filepath.Join(dataDir, "LOCK")

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Owner: parseOwner(string(data)), Path: lockPath}
	}

	owner.PID = os.Getpid()
	owner.Since = time.Now().UTC().Truncate(time.Second)
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: lockPath, owner: owner}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Owner returns what this process recorded in the lock file.
func (l *Lock) Owner() Owner {
	if l == nil {
		return Owner{}
	}
	return l.owner
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ninstance=%s\nhttp=%s\ndriver=%s\nsince=%s\n",
		o.PID, o.Instance, o.HTTPAddr, o.Driver, o.Since.Format(time.RFC3339))
	return err
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "instance":
			o.Instance = value
		case "http":
			o.HTTPAddr = value
		case "driver":
			o.Driver = value
		case "since":
			o.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o
}
