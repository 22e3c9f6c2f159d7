package hal

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	tty "github.com/mattn/go-tty"
)

// hostSerial reads raw keys from the controlling terminal and writes to stdout.
// The terminal is opened on first read so headless runs without a tty still work.
type hostSerial struct {
	mu   sync.Mutex
	w    *os.File
	once sync.Once
	tty  *tty.TTY
	err  error
	pend []byte
	raw  atomic.Bool
}

func (s *hostSerial) open() error {
	s.once.Do(func() {
		s.tty, s.err = tty.Open()
		s.raw.Store(s.err == nil)
	})
	return s.err
}

func (s *hostSerial) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pend) == 0 {
		if err := s.open(); err != nil {
			return 0, ErrNotImplemented
		}
		r, err := s.tty.ReadRune()
		if err != nil {
			return 0, err
		}
		s.pend = utf8.AppendRune(s.pend[:0], r)
	}
	n := copy(p, s.pend)
	s.pend = s.pend[n:]
	return n, nil
}

func (s *hostSerial) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw.Load() {
		if _, err := s.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return s.w.Write(p)
}

// Close releases the terminal if it was opened.
func (s *hostSerial) Close() error {
	if s.tty == nil {
		return nil
	}
	return s.tty.Close()
}
