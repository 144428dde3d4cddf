package participant_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/conference/participant"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/engine/enginetest"
	"github.com/weir-sfu/weir/pkg/protocol"
)

var caps = json.RawMessage(`{"codecs":[]}`)

type fixture struct {
	eng    *enginetest.Engine
	router engine.Router
}

func newFixture(t *testing.T) *fixture {
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

	return &fixture{eng: eng, router: router}
}

func (f *fixture) newParticipant(t *testing.T, id, sessionID string) *participant.Participant {
	t.Helper()
	return participant.New(id, "name-"+id, sessionID, nil, f.router, logrus.WithField("test", t.Name()))
}

// readyToSend gives the participant a connected send transport and returns
// the transport id.
func (f *fixture) readyToSend(t *testing.T, p *participant.Participant) string {
	t.Helper()
	ctx := context.Background()

	info, err := p.CreateTransport(ctx, protocol.DirectionProducer, engine.WebRTCTransportOptions{})
	if err != nil {
		t.Fatalf("create send transport: %v", err)
	}
	if err := p.ConnectTransport(ctx, protocol.DirectionProducer, json.RawMessage(`{"role":"client"}`)); err != nil {
		t.Fatalf("connect send transport: %v", err)
	}

	return info.ID
}

func (f *fixture) readyToReceive(t *testing.T, p *participant.Participant) {
	t.Helper()
	ctx := context.Background()

	if _, err := p.CreateTransport(ctx, protocol.DirectionConsumer, engine.WebRTCTransportOptions{}); err != nil {
		t.Fatalf("create recv transport: %v", err)
	}
}

func TestCreateTransportOncePerDirection(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()

	info, err := p.CreateTransport(ctx, protocol.DirectionProducer, engine.WebRTCTransportOptions{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if info.ID == "" || len(info.ICEParameters) == 0 || len(info.DTLSParameters) == 0 {
		t.Errorf("transport info incomplete: %+v", info)
	}

	_, err = p.CreateTransport(ctx, protocol.DirectionProducer, engine.WebRTCTransportOptions{})
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Errorf("second create err = %v, want precondition failure", err)
	}

	// The other direction is independent.
	if _, err := p.CreateTransport(ctx, protocol.DirectionConsumer, engine.WebRTCTransportOptions{}); err != nil {
		t.Errorf("consumer transport: %v", err)
	}
}

func TestConnectRequiresTransport(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()

	err := p.ConnectTransport(ctx, protocol.DirectionProducer, json.RawMessage(`{}`))
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Fatalf("err = %v, want precondition failure", err)
	}
}

func TestProducePreconditions(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()

	_, err := p.Produce(ctx, "t-0", protocol.KindAudio, protocol.StreamAudio, caps)
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Fatalf("produce without transport: err = %v", err)
	}

	f.readyToSend(t, p)

	_, err = p.Produce(ctx, "not-the-send-transport", protocol.KindAudio, protocol.StreamAudio, caps)
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Fatalf("produce on foreign transport: err = %v", err)
	}
}

func TestProduceTracksMediaState(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()
	transportID := f.readyToSend(t, p)

	audio, err := p.Produce(ctx, transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	if err != nil {
		t.Fatalf("produce audio: %v", err)
	}
	screen, err := p.Produce(ctx, transportID, protocol.KindVideo, protocol.StreamScreenshare, caps)
	if err != nil {
		t.Fatalf("produce screenshare: %v", err)
	}

	if got := p.ProducerIDs(); !reflect.DeepEqual(got, []string{audio, screen}) {
		t.Errorf("producer ids = %v, want creation order [%s %s]", got, audio, screen)
	}
	if p.ProducerCount(protocol.KindAudio) != 1 || p.ProducerCount(protocol.KindVideo) != 1 {
		t.Errorf("unexpected producer counts: audio=%d video=%d",
			p.ProducerCount(protocol.KindAudio), p.ProducerCount(protocol.KindVideo))
	}

	st, ok := p.StreamTypeOf(screen)
	if !ok || st != protocol.StreamScreenshare {
		t.Errorf("StreamTypeOf(%s) = %q, %v", screen, st, ok)
	}

	// The tag also rides on the engine producer's appData.
	if got := f.eng.Producer(screen).AppData()[engine.AppDataStreamType]; got != "screenshare" {
		t.Errorf("engine appData streamType = %q", got)
	}
}

func TestPauseResumeProducer(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()
	transportID := f.readyToSend(t, p)

	id, err := p.Produce(ctx, transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	if err := p.PauseProducer(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !f.eng.Producer(id).Paused() {
		t.Error("engine producer not paused")
	}
	if !p.Producers()[0].Paused {
		t.Error("media state not paused")
	}

	// Pausing again is a no-op, not an error.
	if err := p.PauseProducer(ctx, id); err != nil {
		t.Fatalf("second pause: %v", err)
	}

	if err := p.ResumeProducer(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.eng.Producer(id).Paused() {
		t.Error("engine producer still paused")
	}

	if err := p.PauseProducer(ctx, "nope"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("pause unknown: err = %v", err)
	}
}

func TestCloseProducerIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()
	transportID := f.readyToSend(t, p)

	id, err := p.Produce(ctx, transportID, protocol.KindVideo, protocol.StreamVideo, caps)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	kind, changed, err := p.CloseProducer(id)
	if err != nil || !changed || kind != protocol.KindVideo {
		t.Fatalf("first close: kind=%v changed=%v err=%v", kind, changed, err)
	}
	if !f.eng.Producer(id).Closed() {
		t.Error("engine producer not closed")
	}

	_, changed, err = p.CloseProducer(id)
	if err != nil || changed {
		t.Fatalf("second close: changed=%v err=%v", changed, err)
	}

	if p.ProducerCount(protocol.KindVideo) != 0 {
		t.Error("closed producer still counted")
	}
	if len(p.ProducerIDs()) != 0 {
		t.Error("closed producer still listed")
	}

	if err := p.PauseProducer(ctx, id); protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Errorf("pause closed producer: err = %v", err)
	}
}

func TestSetKindPausedSkipsSettled(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "A", "s-1")
	ctx := context.Background()
	transportID := f.readyToSend(t, p)

	a1, _ := p.Produce(ctx, transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	a2, _ := p.Produce(ctx, transportID, protocol.KindAudio, protocol.StreamAudio, caps)
	v1, _ := p.Produce(ctx, transportID, protocol.KindVideo, protocol.StreamVideo, caps)

	if err := p.PauseProducer(ctx, a2); err != nil {
		t.Fatalf("pre-pause: %v", err)
	}

	flipped := p.SetKindPaused(ctx, protocol.KindAudio, true)
	if !reflect.DeepEqual(flipped, []string{a1}) {
		t.Errorf("muteAudio flipped %v, want [%s]: a2 was already paused", flipped, a1)
	}
	if f.eng.Producer(v1).Paused() {
		t.Error("video producer was touched by muteAudio")
	}

	if flipped := p.SetKindPaused(ctx, protocol.KindAudio, true); len(flipped) != 0 {
		t.Errorf("second muteAudio flipped %v, want none", flipped)
	}

	flipped = p.SetKindPaused(ctx, protocol.KindAudio, false)
	if len(flipped) != 2 {
		t.Errorf("unmuteAudio flipped %v, want both", flipped)
	}
}

func TestConsumeRequiresRecvTransport(t *testing.T) {
	f := newFixture(t)
	p := f.newParticipant(t, "B", "s-2")

	_, err := p.Consume(context.Background(), "p-1", caps, protocol.StreamAudio)
	if protocol.KindOf(err) != protocol.KindPreconditionFailed {
		t.Fatalf("err = %v, want precondition failure", err)
	}
}

func TestConsumeReturnsPausedConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.newParticipant(t, "A", "s-1")
	sendID := f.readyToSend(t, alice)
	producerID, err := alice.Produce(ctx, sendID, protocol.KindVideo, protocol.StreamScreenshare, caps)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	bob := f.newParticipant(t, "B", "s-2")
	f.readyToReceive(t, bob)

	params, err := bob.Consume(ctx, producerID, caps, protocol.StreamScreenshare)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if params.ProducerID != producerID || params.Kind != protocol.KindVideo {
		t.Errorf("unexpected params: %+v", params)
	}
	if params.StreamType != protocol.StreamScreenshare {
		t.Errorf("streamType = %q, want screenshare", params.StreamType)
	}
	if !f.eng.Consumer(params.ID).Paused() {
		t.Error("consumer must start paused")
	}

	if err := bob.ResumeConsumer(ctx, params.ID); err != nil {
		t.Fatalf("resume consumer: %v", err)
	}
	if f.eng.Consumer(params.ID).Paused() {
		t.Error("consumer still paused after resume")
	}

	if err := bob.ResumeConsumer(ctx, "nope"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("resume unknown: err = %v", err)
	}
}

func TestCleanupClosesEverythingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.newParticipant(t, "A", "s-1")
	aliceSend := f.readyToSend(t, alice)
	p1, _ := alice.Produce(ctx, aliceSend, protocol.KindAudio, protocol.StreamAudio, caps)
	p2, _ := alice.Produce(ctx, aliceSend, protocol.KindVideo, protocol.StreamVideo, caps)

	bob := f.newParticipant(t, "B", "s-2")
	bobSend := f.readyToSend(t, bob)
	bobProducer, _ := bob.Produce(ctx, bobSend, protocol.KindAudio, protocol.StreamAudio, caps)

	f.readyToReceive(t, alice)
	params, err := alice.Consume(ctx, bobProducer, caps, protocol.StreamAudio)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	closedProducers, closedConsumers := alice.Cleanup()
	if !reflect.DeepEqual(closedProducers, []string{p1, p2}) {
		t.Errorf("closed producers = %v, want [%s %s]", closedProducers, p1, p2)
	}
	if !reflect.DeepEqual(closedConsumers, []string{params.ID}) {
		t.Errorf("closed consumers = %v, want [%s]", closedConsumers, params.ID)
	}

	if !f.eng.Producer(p1).Closed() || !f.eng.Producer(p2).Closed() {
		t.Error("engine producers not closed")
	}
	if !f.eng.Consumer(params.ID).Closed() {
		t.Error("engine consumer not closed")
	}

	// Second cleanup finds nothing left to close.
	closedProducers, closedConsumers = alice.Cleanup()
	if len(closedProducers) != 0 || len(closedConsumers) != 0 {
		t.Errorf("second cleanup closed %v / %v, want nothing", closedProducers, closedConsumers)
	}
}

func TestCloseConsumerIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.newParticipant(t, "A", "s-1")
	sendID := f.readyToSend(t, alice)
	producerID, _ := alice.Produce(ctx, sendID, protocol.KindAudio, protocol.StreamAudio, caps)

	bob := f.newParticipant(t, "B", "s-2")
	f.readyToReceive(t, bob)
	params, err := bob.Consume(ctx, producerID, caps, protocol.StreamAudio)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	changed, err := bob.CloseConsumer(params.ID)
	if err != nil || !changed {
		t.Fatalf("first close: changed=%v err=%v", changed, err)
	}
	changed, err = bob.CloseConsumer(params.ID)
	if err != nil || changed {
		t.Fatalf("second close: changed=%v err=%v", changed, err)
	}
	if _, err := bob.CloseConsumer("nope"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("close unknown: err = %v", err)
	}
}
