package worker_test

import (
	"testing"
	"time"

	"github.com/weir-sfu/weir/pkg/worker"
)

func TestWorkerProcessesInOrder(t *testing.T) {
	received := make(chan int, 16)
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 16,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(n int) { received <- n },
	})
	defer w.Stop()

	for n := 0; n < 5; n++ {
		if err := w.Send(n); err != nil {
			t.Fatalf("send %d: %v", n, err)
		}
	}

	for n := 0; n < 5; n++ {
		select {
		case got := <-received:
			if got != n {
				t.Fatalf("task %d arrived out of order (got %d)", n, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("task %d never arrived", n)
		}
	}
}

func TestWorkerRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) { <-block },
	})
	defer w.Stop()
	defer close(block)

	// One task may be in flight and one queued; fill both, then expect
	// rejection rather than blocking.
	deadline := time.After(time.Second)
	sent := 0
	for {
		err := w.Send(sent)
		if err == worker.ErrTooBusy {
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sent++

		select {
		case <-deadline:
			t.Fatal("worker never reported busy")
		default:
		}
	}
}

func TestWorkerSendAfterStop(t *testing.T) {
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) {},
	})

	w.Stop()
	w.Stop() // idempotent

	if err := w.Send(1); err != worker.ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestWorkerIdleTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := worker.StartWorker(worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     10 * time.Millisecond,
		OnTimeout: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
		OnTask: func(struct{}) {},
	})
	defer w.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle timeout never fired")
	}
}

func BenchmarkWorker(b *testing.B) {
	workerConfig := worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	}
	w := worker.StartWorker(workerConfig)

	for n := 0; n < b.N; n++ {
		w.Send(struct{}{})
	}

	w.Stop()
}
