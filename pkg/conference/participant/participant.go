// Package participant holds the per-client media state: the two transports,
// the producers the client owns, the consumers it holds and the bookkeeping
// for each producer's pause/close state. All operations delegate to the
// engine handles; cross-participant rules live one level up, in the
// conference.
package participant

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/telemetry"
)

// MediaState is the signaling-side view of one producer.
type MediaState struct {
	Kind       protocol.MediaKind
	StreamType protocol.StreamType
	Paused     bool
	Closed     bool
}

// Participant is owned by exactly one conference, which serializes every
// call into it. The struct itself therefore carries no lock; what it
// guarantees are its own invariants: one transport per direction, producers
// only on the send transport, consumers only on the receive transport.
type Participant struct {
	ID        string
	Name      string
	SessionID string
	JoinedAt  time.Time
	Info      json.RawMessage
	Logger    *logrus.Entry
	Telemetry *telemetry.Telemetry

	router        engine.Router
	sendTransport engine.Transport
	recvTransport engine.Transport

	producers     map[string]engine.Producer
	producerOrder []string
	consumers     map[string]engine.Consumer
	mediaStates   map[string]MediaState
}

func New(id, name, sessionID string, info json.RawMessage, router engine.Router, logger *logrus.Entry) *Participant {
	return &Participant{
		ID:          id,
		Name:        name,
		SessionID:   sessionID,
		JoinedAt:    time.Now(),
		Info:        info,
		Logger:      logger,
		router:      router,
		producers:   make(map[string]engine.Producer),
		consumers:   make(map[string]engine.Consumer),
		mediaStates: make(map[string]MediaState),
	}
}

// CreateTransport creates the participant's transport for the given
// direction on the conference router. A second call for the same direction
// is refused, the client is expected to reuse the one it has.
func (p *Participant) CreateTransport(
	ctx context.Context,
	direction protocol.Direction,
	opts engine.WebRTCTransportOptions,
) (protocol.TransportInfo, error) {
	if p.router == nil {
		return protocol.TransportInfo{}, protocol.PreconditionFailedf("participant %s has no router", p.ID)
	}
	if p.transport(direction) != nil {
		return protocol.TransportInfo{}, protocol.PreconditionFailedf("%s transport already created", direction)
	}

	transport, err := p.router.CreateWebRTCTransport(ctx, opts)
	if err != nil {
		return protocol.TransportInfo{}, protocol.EngineError("failed to create transport", err)
	}

	if direction == protocol.DirectionProducer {
		p.sendTransport = transport
	} else {
		p.recvTransport = transport
	}

	return protocol.TransportInfo{
		ID:             transport.ID(),
		ICEParameters:  transport.ICEParameters(),
		ICECandidates:  transport.ICECandidates(),
		DTLSParameters: transport.DTLSParameters(),
		SCTPParameters: transport.SCTPParameters(),
	}, nil
}

// ConnectTransport finishes the DTLS handshake for the given direction.
func (p *Participant) ConnectTransport(ctx context.Context, direction protocol.Direction, dtlsParameters json.RawMessage) error {
	transport := p.transport(direction)
	if transport == nil {
		return protocol.PreconditionFailedf("%s transport not created", direction)
	}

	if err := transport.Connect(ctx, dtlsParameters); err != nil {
		return protocol.EngineError("failed to connect transport", err)
	}

	return nil
}

// Produce creates a producer on the send transport and records its media
// state. The transport id must match the send transport: producing on the
// receive transport is a client bug worth rejecting loudly.
func (p *Participant) Produce(
	ctx context.Context,
	transportID string,
	kind protocol.MediaKind,
	streamType protocol.StreamType,
	rtpParameters json.RawMessage,
) (string, error) {
	if p.sendTransport == nil {
		return "", protocol.PreconditionFailedf("producer transport not created")
	}
	if transportID != p.sendTransport.ID() {
		return "", protocol.PreconditionFailedf("transport %s is not the producer transport", transportID)
	}

	producer, err := p.sendTransport.Produce(ctx, engine.ProducerOptions{
		Kind:          kind,
		RTPParameters: rtpParameters,
		AppData:       map[string]string{engine.AppDataStreamType: string(streamType)},
	})
	if err != nil {
		return "", protocol.EngineError("failed to produce", err)
	}

	id := producer.ID()
	p.producers[id] = producer
	p.producerOrder = append(p.producerOrder, id)
	p.mediaStates[id] = MediaState{Kind: kind, StreamType: streamType}

	return id, nil
}

// Consume creates a paused consumer on the receive transport. streamType is
// the tag of the producer being consumed, carried through so the client
// knows how to render the stream before any media flows.
func (p *Participant) Consume(
	ctx context.Context,
	producerID string,
	rtpCapabilities json.RawMessage,
	streamType protocol.StreamType,
) (protocol.ConsumerParams, error) {
	if p.recvTransport == nil {
		return protocol.ConsumerParams{}, protocol.PreconditionFailedf("consumer transport not created")
	}

	consumer, err := p.recvTransport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producerID,
		RTPCapabilities: rtpCapabilities,
		Paused:          true,
		AppData:         map[string]string{engine.AppDataStreamType: string(streamType)},
	})
	if err != nil {
		return protocol.ConsumerParams{}, protocol.EngineError("failed to consume", err)
	}

	p.consumers[consumer.ID()] = consumer

	return protocol.ConsumerParams{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
		StreamType:    streamType,
	}, nil
}

// ResumeConsumer unpauses a consumer. Repeating it is harmless.
func (p *Participant) ResumeConsumer(ctx context.Context, consumerID string) error {
	consumer, ok := p.consumers[consumerID]
	if !ok {
		return protocol.NotFoundf("consumer %s not found", consumerID)
	}

	if err := consumer.Resume(ctx); err != nil {
		return protocol.EngineError("failed to resume consumer", err)
	}

	return nil
}

// CloseConsumer closes a consumer. Idempotent: closing a consumer that is
// already closed reports changed == false so no duplicate broadcast goes
// out.
func (p *Participant) CloseConsumer(consumerID string) (changed bool, err error) {
	consumer, ok := p.consumers[consumerID]
	if !ok {
		return false, protocol.NotFoundf("consumer %s not found", consumerID)
	}

	if consumer.Closed() {
		return false, nil
	}
	consumer.Close()

	return true, nil
}

// PauseProducer pauses a producer and records it.
func (p *Participant) PauseProducer(ctx context.Context, producerID string) error {
	return p.setProducerPaused(ctx, producerID, true)
}

// ResumeProducer resumes a producer and records it.
func (p *Participant) ResumeProducer(ctx context.Context, producerID string) error {
	return p.setProducerPaused(ctx, producerID, false)
}

func (p *Participant) setProducerPaused(ctx context.Context, producerID string, paused bool) error {
	producer, ok := p.producers[producerID]
	if !ok {
		return protocol.NotFoundf("producer %s not found", producerID)
	}

	state := p.mediaStates[producerID]
	if state.Closed {
		return protocol.PreconditionFailedf("producer %s is closed", producerID)
	}
	if state.Paused == paused {
		return nil
	}

	var err error
	if paused {
		err = producer.Pause(ctx)
	} else {
		err = producer.Resume(ctx)
	}
	if err != nil {
		return protocol.EngineError("failed to update producer", err)
	}

	state.Paused = paused
	p.mediaStates[producerID] = state

	return nil
}

// CloseProducer closes a producer. Idempotent; changed == false means it
// was already closed. The producer's kind is returned for the broadcast.
func (p *Participant) CloseProducer(producerID string) (kind protocol.MediaKind, changed bool, err error) {
	producer, ok := p.producers[producerID]
	if !ok {
		return "", false, protocol.NotFoundf("producer %s not found", producerID)
	}

	state := p.mediaStates[producerID]
	if state.Closed {
		return state.Kind, false, nil
	}

	producer.Close()
	state.Closed = true
	p.mediaStates[producerID] = state

	return state.Kind, true, nil
}

// SetKindPaused pauses or resumes every open producer of one kind and
// returns the ids it actually flipped. Producers already in the target
// state are skipped; individual engine failures are logged and skipped too,
// muting what can be muted beats failing the whole request.
func (p *Participant) SetKindPaused(ctx context.Context, kind protocol.MediaKind, paused bool) []string {
	flipped := []string{}
	for _, id := range p.producerOrder {
		state := p.mediaStates[id]
		if state.Kind != kind || state.Closed || state.Paused == paused {
			continue
		}

		var err error
		if paused {
			err = p.producers[id].Pause(ctx)
		} else {
			err = p.producers[id].Resume(ctx)
		}
		if err != nil {
			p.Logger.WithField("producer_id", id).WithError(err).Warn("failed to flip producer pause state")
			continue
		}

		state.Paused = paused
		p.mediaStates[id] = state
		flipped = append(flipped, id)
	}

	return flipped
}

// ProducerCount counts open producers of one kind, for limit enforcement.
func (p *Participant) ProducerCount(kind protocol.MediaKind) int {
	count := 0
	for _, state := range p.mediaStates {
		if state.Kind == kind && !state.Closed {
			count++
		}
	}

	return count
}

// ProducerEntry is a read-only view of one open producer.
type ProducerEntry struct {
	ID         string
	Kind       protocol.MediaKind
	StreamType protocol.StreamType
	Paused     bool
}

// Producers lists the open producers in creation order.
func (p *Participant) Producers() []ProducerEntry {
	entries := make([]ProducerEntry, 0, len(p.producerOrder))
	for _, id := range p.producerOrder {
		state := p.mediaStates[id]
		if state.Closed {
			continue
		}
		entries = append(entries, ProducerEntry{
			ID:         id,
			Kind:       state.Kind,
			StreamType: state.StreamType,
			Paused:     state.Paused,
		})
	}

	return entries
}

// ProducerIDs lists the open producer ids in creation order.
func (p *Participant) ProducerIDs() []string {
	ids := make([]string, 0, len(p.producerOrder))
	for _, entry := range p.Producers() {
		ids = append(ids, entry.ID)
	}

	return ids
}

// StreamTypeOf returns the tag of one open producer.
func (p *Participant) StreamTypeOf(producerID string) (protocol.StreamType, bool) {
	state, ok := p.mediaStates[producerID]
	if !ok || state.Closed {
		return "", false
	}

	return state.StreamType, true
}

// OwnsProducer reports whether the producer exists here and is open.
func (p *Participant) OwnsProducer(producerID string) bool {
	state, ok := p.mediaStates[producerID]
	return ok && !state.Closed
}

// ConsumerCount counts open consumers.
func (p *Participant) ConsumerCount() int {
	count := 0
	for _, consumer := range p.consumers {
		if !consumer.Closed() {
			count++
		}
	}

	return count
}

// Cleanup tears the participant down: every consumer, then every producer,
// then both transports. Individual failures are ignored; what Cleanup
// reports are the ids that actually went from open to closed, which is
// exactly what the leave broadcast needs.
func (p *Participant) Cleanup() (closedProducerIDs, closedConsumerIDs []string) {
	closedConsumerIDs = []string{}
	consumerIDs := make([]string, 0, len(p.consumers))
	for id := range p.consumers {
		consumerIDs = append(consumerIDs, id)
	}
	sort.Strings(consumerIDs)
	for _, id := range consumerIDs {
		if consumer := p.consumers[id]; !consumer.Closed() {
			consumer.Close()
			closedConsumerIDs = append(closedConsumerIDs, id)
		}
	}

	closedProducerIDs = []string{}
	for _, id := range p.producerOrder {
		state := p.mediaStates[id]
		if state.Closed {
			continue
		}
		p.producers[id].Close()
		state.Closed = true
		p.mediaStates[id] = state
		closedProducerIDs = append(closedProducerIDs, id)
	}

	if p.sendTransport != nil {
		p.sendTransport.Close()
		p.sendTransport = nil
	}
	if p.recvTransport != nil {
		p.recvTransport.Close()
		p.recvTransport = nil
	}

	return closedProducerIDs, closedConsumerIDs
}

func (p *Participant) transport(direction protocol.Direction) engine.Transport {
	if direction == protocol.DirectionProducer {
		return p.sendTransport
	}

	return p.recvTransport
}
