package conference_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/weir-sfu/weir/pkg/conference"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/engine/enginetest"
	"github.com/weir-sfu/weir/pkg/protocol"
)

var caps = json.RawMessage(`{"codecs":[]}`)

type fixture struct {
	eng  *enginetest.Engine
	conf *conference.Conference
}

func newFixture(t *testing.T, config conference.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	eng := enginetest.New()
	worker, err := eng.CreateWorker(ctx, engine.WorkerSettings{})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	router, err := worker.CreateRouter(ctx, engine.RouterOptions{})
	if err != nil {
		t.Fatalf("create router: %v", err)
	}

	return &fixture{
		eng:  eng,
		conf: conference.New(ctx, "conf-1", "standup", worker, router, config),
	}
}

// join adds a participant with a connected send transport and returns the
// transport id.
func (f *fixture) join(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()

	if _, err := f.conf.JoinParticipant(id, "name-"+id, "session-"+id, nil); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	info, err := f.conf.CreateTransport(ctx, id, protocol.DirectionProducer)
	if err != nil {
		t.Fatalf("create send transport for %s: %v", id, err)
	}
	if err := f.conf.ConnectTransport(ctx, id, protocol.DirectionProducer, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("connect send transport for %s: %v", id, err)
	}

	return info.ID
}

func (f *fixture) readyToReceive(t *testing.T, id string) {
	t.Helper()
	if _, err := f.conf.CreateTransport(context.Background(), id, protocol.DirectionConsumer); err != nil {
		t.Fatalf("create recv transport for %s: %v", id, err)
	}
}

func TestJoinRefusesTakenID(t *testing.T) {
	f := newFixture(t, conference.Config{})

	announce, err := f.conf.JoinParticipant("A", "Alice", "s-1", json.RawMessage(`{"role":"host"}`))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if announce.ParticipantID != "A" || announce.ConferenceID != "conf-1" {
		t.Errorf("announce = %+v", announce)
	}

	_, err = f.conf.JoinParticipant("A", "Impostor", "s-2", nil)
	if protocol.KindOf(err) != protocol.KindValidation {
		t.Errorf("duplicate join err = %v, want validation", err)
	}

	if session, ok := f.conf.SessionOf("A"); !ok || session != "s-1" {
		t.Errorf("SessionOf(A) = %q, %v", session, ok)
	}
}

func TestProducerLimit(t *testing.T) {
	f := newFixture(t, conference.Config{
		Limits: &conference.ParticipantLimits{MaxAudioProducers: 1, MaxVideoProducers: 2},
	})
	ctx := context.Background()
	transportID := f.join(t, "A")

	if _, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindAudio, protocol.StreamAudio, caps); err != nil {
		t.Fatalf("first audio: %v", err)
	}
	_, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	if protocol.KindOf(err) != protocol.KindLimitExceeded {
		t.Fatalf("second audio err = %v, want limit exceeded", err)
	}
	if got, want := err.Error(), "Maximum audio producers (1) reached for participant A"; got != want {
		t.Errorf("limit message = %q, want %q", got, want)
	}

	// Video has its own cap; screenshare counts against it too.
	if _, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindVideo, protocol.StreamVideo, caps); err != nil {
		t.Fatalf("first video: %v", err)
	}
	if _, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindVideo, protocol.StreamScreenshare, caps); err != nil {
		t.Fatalf("screenshare: %v", err)
	}
	_, _, err = f.conf.Produce(ctx, "A", transportID, protocol.KindVideo, protocol.StreamVideo, caps)
	if protocol.KindOf(err) != protocol.KindLimitExceeded {
		t.Errorf("third video err = %v, want limit exceeded", err)
	}
	if got, want := err.Error(), "Maximum video producers (2) reached for participant A"; got != want {
		t.Errorf("limit message = %q, want %q", got, want)
	}
}

func TestProducerLimitFreedByClose(t *testing.T) {
	f := newFixture(t, conference.Config{
		Limits: &conference.ParticipantLimits{MaxAudioProducers: 1},
	})
	ctx := context.Background()
	transportID := f.join(t, "A")

	producerID, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := f.conf.CloseProducer("A", producerID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindAudio, protocol.StreamAudio, caps); err != nil {
		t.Errorf("produce after close: %v", err)
	}
}

func TestNoLimitsMeansNoEnforcement(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()
	transportID := f.join(t, "A")

	for i := 0; i < 5; i++ {
		if _, _, err := f.conf.Produce(ctx, "A", transportID, protocol.KindAudio, protocol.StreamAudio, caps); err != nil {
			t.Fatalf("produce %d: %v", i, err)
		}
	}
}

func TestConsumeResolvesOwner(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()

	aliceSend := f.join(t, "A")
	producerID, _, err := f.conf.Produce(ctx, "A", aliceSend, protocol.KindVideo, protocol.StreamScreenshare, caps)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	f.join(t, "B")
	f.readyToReceive(t, "B")

	params, err := f.conf.Consume(ctx, "B", producerID, caps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if params.ProducerID != producerID || params.StreamType != protocol.StreamScreenshare {
		t.Errorf("params = %+v", params)
	}
	if !f.eng.Consumer(params.ID).Paused() {
		t.Error("consumer must start paused")
	}

	// Your own producer is off limits.
	f.readyToReceive(t, "A")
	_, err = f.conf.Consume(ctx, "A", producerID, caps)
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Errorf("self-consume err = %v, want precondition failure", err)
	}

	_, err = f.conf.Consume(ctx, "B", "nope", caps)
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("unknown producer err = %v, want not found", err)
	}
}

func TestConsumeParticipantSkipsFailures(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()

	aliceSend := f.join(t, "A")
	audio, _, err := f.conf.Produce(ctx, "A", aliceSend, protocol.KindAudio, protocol.StreamAudio, caps)
	if err != nil {
		t.Fatalf("produce audio: %v", err)
	}
	video, _, err := f.conf.Produce(ctx, "A", aliceSend, protocol.KindVideo, protocol.StreamVideo, caps)
	if err != nil {
		t.Fatalf("produce video: %v", err)
	}

	// The audio producer dies between listing and consuming; only the video
	// subscription must come back.
	f.eng.Producer(audio).Close()

	f.join(t, "B")
	f.readyToReceive(t, "B")

	params, err := f.conf.ConsumeParticipant(ctx, "B", "A", caps)
	if err != nil {
		t.Fatalf("consumeParticipant: %v", err)
	}
	if len(params) != 1 || params[0].ProducerID != video {
		t.Errorf("params = %+v, want just the video producer", params)
	}
}

func TestConsumeParticipantSelfIsNotFound(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()

	f.join(t, "A")
	f.readyToReceive(t, "A")

	_, err := f.conf.ConsumeParticipant(ctx, "A", "A", caps)
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("self target err = %v, want not found", err)
	}
}

func TestConsumeParticipantAbsentTargetIsEmpty(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()

	aliceSend := f.join(t, "A")
	if _, _, err := f.conf.Produce(ctx, "A", aliceSend, protocol.KindAudio, protocol.StreamAudio, caps); err != nil {
		t.Fatalf("produce: %v", err)
	}
	f.join(t, "B")
	f.readyToReceive(t, "B")

	// A leaves; B may still be acting on the stale membership it saw.
	if _, err := f.conf.RemoveParticipant("A"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	params, err := f.conf.ConsumeParticipant(ctx, "B", "A", caps)
	if err != nil {
		t.Fatalf("departed target err = %v, want empty result", err)
	}
	if len(params) != 0 {
		t.Errorf("params = %+v, want none", params)
	}

	params, err = f.conf.ConsumeParticipant(ctx, "B", "never-joined", caps)
	if err != nil || len(params) != 0 {
		t.Errorf("unknown target = %+v, %v, want empty result", params, err)
	}
}

func TestRemoveParticipantReportsClosures(t *testing.T) {
	f := newFixture(t, conference.Config{})
	ctx := context.Background()

	aliceSend := f.join(t, "A")
	audio, _, _ := f.conf.Produce(ctx, "A", aliceSend, protocol.KindAudio, protocol.StreamAudio, caps)
	video, _, _ := f.conf.Produce(ctx, "A", aliceSend, protocol.KindVideo, protocol.StreamVideo, caps)

	bobSend := f.join(t, "B")
	bobProducer, _, _ := f.conf.Produce(ctx, "B", bobSend, protocol.KindAudio, protocol.StreamAudio, caps)
	f.readyToReceive(t, "A")
	consumerParams, err := f.conf.Consume(ctx, "A", bobProducer, caps)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	exit, err := f.conf.RemoveParticipant("A")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !reflect.DeepEqual(exit.ClosedProducerIDs(), []string{audio, video}) {
		t.Errorf("closed producers = %v", exit.ClosedProducerIDs())
	}
	if exit.ClosedProducers[0].Kind != protocol.KindAudio || exit.ClosedProducers[1].Kind != protocol.KindVideo {
		t.Errorf("closed producer kinds = %+v", exit.ClosedProducers)
	}
	if !reflect.DeepEqual(exit.ClosedConsumerIDs, []string{consumerParams.ID}) {
		t.Errorf("closed consumers = %v", exit.ClosedConsumerIDs)
	}

	if _, err := f.conf.RemoveParticipant("A"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("second remove err = %v, want not found", err)
	}
	if f.conf.ParticipantCount() != 1 {
		t.Errorf("participant count = %d, want 1", f.conf.ParticipantCount())
	}
}

func TestSnapshotsKeepJoinOrder(t *testing.T) {
	f := newFixture(t, conference.Config{})

	for _, id := range []string{"C", "A", "B"} {
		f.join(t, id)
	}

	entries := f.conf.Snapshots()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ParticipantID)
	}
	if !reflect.DeepEqual(ids, []string{"C", "A", "B"}) {
		t.Errorf("snapshot order = %v, want join order", ids)
	}
}

func TestBrokenConferenceRefusesJoins(t *testing.T) {
	f := newFixture(t, conference.Config{})

	f.conf.MarkBroken(protocol.DestroyReasonWorkerDied)
	if reason, ok := f.conf.Broken(); !ok || reason != protocol.DestroyReasonWorkerDied {
		t.Fatalf("Broken() = %q, %v", reason, ok)
	}

	_, err := f.conf.JoinParticipant("A", "Alice", "s-1", nil)
	if protocol.KindOf(err) != protocol.KindEngine {
		t.Errorf("join broken conference err = %v, want engine error", err)
	}
}

func TestCloseShutsRouterDown(t *testing.T) {
	f := newFixture(t, conference.Config{})
	f.join(t, "A")

	f.conf.Close()
	if !f.conf.RouterClosed() {
		t.Error("router still open after close")
	}
	if !f.conf.IsEmpty() {
		t.Error("participants survived close")
	}
}
