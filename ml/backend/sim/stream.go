package sim

import (
	"fmt"
	"sync"

	"github.com/vdnn/vdnn/logutil"
	"github.com/vdnn/vdnn/ml"
)

type command struct {
	name string
	fn   func() error
	ev   *event
}

type event struct {
	done chan struct{}
	err  error
}

func (e *event) Wait() error {
	<-e.done
	return e.err
}

// stream executes commands in FIFO order on a dedicated goroutine. Once a
// command fails, subsequent commands are skipped but their events still
// fire, carrying the original error, so no waiter can hang on an aborted
// stream.
type stream struct {
	kind ml.StreamKind
	ch   chan command
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream(kind ml.StreamKind) *stream {
	s := &stream{
		kind: kind,
		ch:   make(chan command, 64),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *stream) run() {
	defer s.wg.Done()

	for cmd := range s.ch {
		failed := s.Err()

		if cmd.fn != nil && failed == nil {
			if err := cmd.fn(); err != nil {
				s.mu.Lock()
				s.err = fmt.Errorf("%s stream: %s: %w", s.kind, cmd.name, err)
				s.mu.Unlock()
				logutil.Trace("stream command failed", "stream", s.kind.String(), "command", cmd.name, "error", err)
			}
		}

		if cmd.ev != nil {
			cmd.ev.err = s.Err()
			close(cmd.ev.done)
		}
	}
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Enqueue(name string, fn func() error) {
	s.ch <- command{name: name, fn: fn}
}

func (s *stream) Record() ml.Event {
	ev := &event{done: make(chan struct{})}
	s.ch <- command{name: "event", ev: ev}
	return ev
}

func (s *stream) Synchronize() error {
	return s.Record().Wait()
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
	})
	return s.Err()
}
