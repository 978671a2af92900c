package logstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Default caps applied when a slot has no explicit limits.
const (
	DefaultMaxLines = 1000
	DefaultMaxBytes = 10 * 1024 * 1024 // 10 MiB
)

// Synthetic lines written by the store itself.
const (
	NoticeSizeCleared = "log cleared: exceeded size limit"
	noticeTruncated   = "log truncated: keeping last %d lines"
)

// NoticeTruncated returns the notice placed at the front of a log after it
// was rewritten to its most recent n lines.
func NoticeTruncated(n int) string { return fmt.Sprintf(noticeTruncated, n) }

// Limits bound the size of one slot's log.
type Limits struct {
	MaxLines int
	MaxBytes int64
}

func (l Limits) withDefaults(def Limits) Limits {
	if l.MaxLines <= 0 {
		l.MaxLines = def.MaxLines
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = def.MaxBytes
	}
	return l
}

// Event reports a truncation performed during Append. Used for metrics.
type Event int

const (
	EventNone Event = iota
	EventSizeCleared
	EventLineTruncated
)

// Store is an append-only, bounded, file-backed log per slot.
// Files live at <dir>/<slot>.log. Writers for one slot are serialized by an
// in-process mutex plus an flock on <slot>.log.lock, so several processes
// sharing the directory never interleave partial writes.
type Store struct {
	dir      string
	defaults Limits

	mu     sync.Mutex
	slots  map[string]*slotLog
	limits map[string]Limits

	// OnEvent, when set, is called after a truncation happened.
	OnEvent func(slot string, ev Event)
}

type slotLog struct {
	mu   sync.RWMutex
	lock *flock.Flock
	// readers sharing the file lock; the first takes it, the last releases it
	rmu     sync.Mutex
	readers int
	// cached line count, valid while the file size equals size
	lines int
	size  int64
	known bool
}

// New creates a store rooted at dir. Zero limits fall back to the package defaults.
func New(dir string, defaults Limits) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("logstore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("logstore: create dir: %w", err)
	}
	return &Store{
		dir:      dir,
		defaults: defaults.withDefaults(Limits{MaxLines: DefaultMaxLines, MaxBytes: DefaultMaxBytes}),
		slots:    make(map[string]*slotLog),
		limits:   make(map[string]Limits),
	}, nil
}

// Dir returns the directory holding the log files.
func (s *Store) Dir() string { return s.dir }

// SetLimits overrides the caps for one slot.
func (s *Store) SetLimits(slot string, l Limits) {
	s.mu.Lock()
	s.limits[slot] = l.withDefaults(s.defaults)
	s.mu.Unlock()
}

// LimitsFor returns the effective caps for slot.
func (s *Store) LimitsFor(slot string) Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limits[slot]; ok {
		return l
	}
	return s.defaults
}

// Path returns the log file path for slot.
func (s *Store) Path(slot string) string {
	return filepath.Join(s.dir, slot+".log")
}

func (s *Store) slot(slot string) *slotLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[slot]
	if sl == nil {
		sl = &slotLog{lock: flock.New(s.Path(slot) + ".lock")}
		s.slots[slot] = sl
	}
	return sl
}

func (sl *slotLog) lockWrite() (func(), error) {
	sl.mu.Lock()
	if err := sl.lock.Lock(); err != nil {
		sl.mu.Unlock()
		return nil, fmt.Errorf("logstore: lock: %w", err)
	}
	return func() {
		_ = sl.lock.Unlock()
		sl.mu.Unlock()
	}, nil
}

func (sl *slotLog) lockRead() (func(), error) {
	sl.mu.RLock()
	sl.rmu.Lock()
	if sl.readers == 0 {
		if err := sl.lock.RLock(); err != nil {
			sl.rmu.Unlock()
			sl.mu.RUnlock()
			return nil, fmt.Errorf("logstore: rlock: %w", err)
		}
	}
	sl.readers++
	sl.rmu.Unlock()
	return func() {
		sl.rmu.Lock()
		sl.readers--
		if sl.readers == 0 {
			_ = sl.lock.Unlock()
		}
		sl.rmu.Unlock()
		sl.mu.RUnlock()
	}, nil
}

// Clear truncates the slot's log. A missing log is not an error.
func (s *Store) Clear(slot string) error {
	sl := s.slot(slot)
	unlock, err := sl.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()
	return sl.truncate(s.Path(slot))
}

func (sl *slotLog) truncate(path string) error {
	sl.known = false
	if err := os.Truncate(path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("logstore: truncate: %w", err)
	}
	sl.lines, sl.size, sl.known = 0, 0, true
	return nil
}

// compactSlack returns how many lines past the cap the file may hold before
// it is rewritten. Reads never show the slack.
func compactSlack(maxLines int) int {
	if n := maxLines / 10; n > 1 {
		return n
	}
	return 1
}

// Append adds one line to the slot's log, enforcing the byte cap before the
// write and the line cap after it.
func (s *Store) Append(slot, line string) error {
	line = strings.TrimRight(line, "\r\n")
	lim := s.LimitsFor(slot)
	path := s.Path(slot)

	sl := s.slot(slot)
	unlock, err := sl.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	size, err := fileSize(path)
	if err != nil {
		return err
	}
	if !sl.known || sl.size != size {
		n, err := countLines(path)
		if err != nil {
			return err
		}
		sl.lines, sl.size, sl.known = n, size, true
	}

	var ev Event
	pending := []string{line}
	if size > lim.MaxBytes {
		if err := sl.truncate(path); err != nil {
			return err
		}
		pending = []string{NoticeSizeCleared, line}
		ev = EventSizeCleared
	}
	if err := sl.write(path, pending); err != nil {
		return err
	}

	if sl.lines > lim.MaxLines+compactSlack(lim.MaxLines) {
		if err := sl.rewriteTail(path, lim.MaxLines); err != nil {
			return err
		}
		if ev == EventNone {
			ev = EventLineTruncated
		}
	}
	if ev != EventNone && s.OnEvent != nil {
		s.OnEvent(slot, ev)
	}
	return nil
}

func (sl *slotLog) write(path string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	// #nosec G304 -- path is derived from the configured log directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		sl.known = false
		return fmt.Errorf("logstore: open: %w", err)
	}
	n, werr := f.Write(buf.Bytes())
	cerr := f.Close()
	if werr != nil {
		sl.known = false
		return fmt.Errorf("logstore: write: %w", werr)
	}
	if cerr != nil {
		sl.known = false
		return fmt.Errorf("logstore: close: %w", cerr)
	}
	sl.size += int64(n)
	sl.lines += len(lines)
	return nil
}

// rewriteTail replaces the file with a truncation notice followed by the last
// keep lines. The previous notice, if any, sits at the front and is dropped.
func (sl *slotLog) rewriteTail(path string, keep int) error {
	all, err := readLines(path)
	if err != nil {
		return err
	}
	if len(all) > keep {
		all = all[len(all)-keep:]
	}
	var buf bytes.Buffer
	buf.WriteString(NoticeTruncated(keep))
	buf.WriteByte('\n')
	for _, l := range all {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		sl.known = false
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		sl.known = false
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		sl.known = false
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		sl.known = false
		return fmt.Errorf("logstore: rewrite: %w", err)
	}
	sl.lines = len(all) + 1
	sl.size = int64(buf.Len())
	sl.known = true
	return nil
}

// TailLines returns the last n non-empty lines of the slot's log, read from
// disk. A missing log yields an empty slice.
func (s *Store) TailLines(slot string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	sl := s.slot(slot)
	unlock, err := sl.lockRead()
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := readLines(s.Path(slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	all = capView(all, s.LimitsFor(slot).MaxLines)
	out := make([]string, 0, len(all))
	for _, l := range all {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// ReadAll returns the raw log content. The error wraps os.ErrNotExist when the
// slot never produced a log.
func (s *Store) ReadAll(slot string) ([]byte, error) {
	sl := s.slot(slot)
	unlock, err := sl.lockRead()
	if err != nil {
		return nil, err
	}
	defer unlock()
	// #nosec G304 -- path is derived from the configured log directory
	b, err := os.ReadFile(s.Path(slot))
	if err != nil {
		return nil, fmt.Errorf("logstore: read %s: %w", slot, err)
	}
	maxLines := s.LimitsFor(slot).MaxLines
	if bytes.Count(b, []byte{'\n'}) <= maxLines {
		return b, nil
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	view := capView(lines, maxLines)
	if len(view) == len(lines) {
		return b, nil
	}
	return []byte(strings.Join(view, "\n") + "\n"), nil
}

// capView returns what a log holding lines looks like under a cap of
// maxLines: unchanged when within the cap, otherwise one truncation notice
// followed by the most recent maxLines lines.
func capView(lines []string, maxLines int) []string {
	if maxLines <= 0 || len(lines) <= maxLines {
		return lines
	}
	notice := NoticeTruncated(maxLines)
	if len(lines) == maxLines+1 && lines[0] == notice {
		return lines
	}
	out := make([]string, 0, maxLines+1)
	out = append(out, notice)
	return append(out, lines[len(lines)-maxLines:]...)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("logstore: stat: %w", err)
	}
	return fi.Size(), nil
}

func countLines(path string) (int, error) {
	// #nosec G304 -- path is derived from the configured log directory
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("logstore: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	n := 0
	buf := make([]byte, 32*1024)
	for {
		c, err := f.Read(buf)
		n += bytes.Count(buf[:c], []byte{'\n'})
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("logstore: count: %w", err)
		}
	}
}

func readLines(path string) ([]string, error) {
	// #nosec G304 -- path is derived from the configured log directory
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	r := bufio.NewReader(f)
	for {
		l, err := r.ReadString('\n')
		if l != "" {
			out = append(out, strings.TrimRight(l, "\r\n"))
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("logstore: read: %w", err)
		}
	}
}
