// Package worker provides a small bounded task runner: one goroutine, one
// bounded channel, non-blocking submission. Senders never stall on a slow
// consumer; when the channel is full the task is rejected and the caller
// decides what dropping means.
package worker

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrClosed  = errors.New("worker is closed")
	ErrTooBusy = errors.New("worker is already overloaded")
)

// Config for the worker. Timeout must be positive; OnTimeout fires whenever
// no task has arrived for that long, which doubles as an idle tick.
type Config[T any] struct {
	// The size of the bounded channel.
	ChannelSize int
	// Timeout after which OnTimeout is called.
	Timeout time.Duration
	// A closure that is called once Timeout is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// Worker wraps the channel in a struct so that it can be closed from the
// outside and senders can tell that it is closed (there is no elegant way
// to do that with a bare channel in Go).
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stop closes the channel unless already closed. The worker goroutine
// drains what was accepted before exiting.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Send a task to the worker. Never blocks: a full channel returns
// ErrTooBusy, a stopped worker ErrClosed.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		select {
		case w.channel <- task:
			return nil
		default:
			return ErrTooBusy
		}
	}

	return ErrClosed
}

// StartWorker runs a goroutine that executes OnTask for every task sent and
// OnTimeout whenever the channel stays idle for Config.Timeout. The worker
// stops once the channel is closed, i.e. once the user calls Stop.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{incoming, sync.Mutex{}, false}
}
