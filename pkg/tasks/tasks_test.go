package tasks_test

import (
	"context"
	"testing"
	"time"

	"github.com/weir-sfu/weir/pkg/conference"
	"github.com/weir-sfu/weir/pkg/engine/enginetest"
	"github.com/weir-sfu/weir/pkg/engine/pool"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/routing"
	"github.com/weir-sfu/weir/pkg/tasks"
	"go.uber.org/goleak"
)

func TestRunnerSweepsOnTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng := enginetest.New()
	bus := events.NewBus()
	defer bus.Shutdown()

	p := pool.New(eng, bus, pool.Config{NumWorkers: 1, MaxRoutersPerWorker: 10})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	defer p.Close()

	registry := routing.New(p, bus, conference.Config{})
	defer registry.Close()

	data := protocol.JoinConferenceData{ConferenceID: "conf-1", ParticipantID: "A", ParticipantName: "Alice"}
	if _, err := registry.JoinConference(context.Background(), data, "s-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	registry.LeaveBySession("s-1")

	runner := tasks.NewRunner(p, registry, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := registry.Conference("conf-1"); protocol.KindOf(err) == protocol.KindNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("empty conference was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	runner.Close()
	// Close is idempotent and still returns once the loop is gone.
	runner.Close()
}

func TestRunnerCloseStopsTicking(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng := enginetest.New()
	bus := events.NewBus()
	defer bus.Shutdown()

	p := pool.New(eng, bus, pool.Config{NumWorkers: 1, MaxRoutersPerWorker: 10})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	defer p.Close()

	registry := routing.New(p, bus, conference.Config{})
	defer registry.Close()

	runner := tasks.NewRunner(p, registry, time.Hour)
	runner.Close()

	// A closed runner no longer sweeps; the empty conference stays.
	data := protocol.JoinConferenceData{ConferenceID: "conf-1", ParticipantID: "A", ParticipantName: "Alice"}
	if _, err := registry.JoinConference(context.Background(), data, "s-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	registry.LeaveBySession("s-1")

	time.Sleep(30 * time.Millisecond)
	if _, err := registry.Conference("conf-1"); err != nil {
		t.Errorf("conference swept after Close: %v", err)
	}
}
