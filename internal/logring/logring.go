package logring

import (
	"io"
	"strings"
	"sync"
	"time"
)

// MaxLines is the hard cap on retained lines. When an append pushes the
// buffer past the cap, the oldest lines are discarded.
const MaxLines = 1000

const timeLayout = "2006-01-02 15:04:05 UTC"

// Buffer is a bounded, append-only text log shared by the supervisor, the
// update fetcher, and the child-output readers. Every entry is prefixed
// with a UTC timestamp. All methods are safe for concurrent use; the mutex
// is never held across I/O on the mirror writer's behalf beyond the write
// call itself, and writers re-acquire it per line.
type Buffer struct {
	mu     sync.Mutex
	buf    strings.Builder
	lines  int
	mirror io.Writer
	now    func() time.Time
}

func New() *Buffer { return &Buffer{now: time.Now} }

// SetMirror attaches a secondary writer (e.g. a rotating file) that
// receives every appended line. A nil writer detaches it.
func (b *Buffer) SetMirror(w io.Writer) {
	b.mu.Lock()
	b.mirror = w
	b.mu.Unlock()
}

// Append records message with a UTC second-precision timestamp and trims
// the buffer to the most recent MaxLines lines.
func (b *Buffer) Append(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := "[" + b.now().UTC().Format(timeLayout) + "] " + message + "\n"
	b.buf.WriteString(line)
	b.lines += 1 + strings.Count(message, "\n")
	if b.lines > MaxLines {
		all := strings.Split(strings.TrimSuffix(b.buf.String(), "\n"), "\n")
		keep := all[len(all)-MaxLines:]
		b.buf.Reset()
		b.buf.WriteString(strings.Join(keep, "\n"))
		b.buf.WriteString("\n")
		b.lines = MaxLines
	}
	if b.mirror != nil {
		_, _ = b.mirror.Write([]byte(line))
	}
}

// String returns a snapshot of the full buffer contents.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Len returns the current line count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.buf.Reset()
	b.lines = 0
	b.mu.Unlock()
}
