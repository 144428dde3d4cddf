// Package conference implements the room abstraction: a set of participants
// sharing one engine router. The conference mediates every engine operation
// for its members and enforces the rules that span more than one participant,
// producer caps and producer ownership above all. It never touches the wire;
// state-changing operations return broadcast payloads for the dispatcher to
// fan out.
package conference

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/conference/participant"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Conference owns one router and the participants on it. One mutex covers
// every operation from invariant check to map mutation, so a produce request
// can never slip past the producer cap by racing another one, at the price
// of holding the lock across engine calls. That price is fine: operations on
// different conferences never contend.
type Conference struct {
	mu sync.Mutex

	id        string
	name      string
	createdAt time.Time
	workerPid int
	router    engine.Router
	config    Config

	participants map[string]*participant.Participant
	// join order, for stable getParticipants listings
	order []string

	// brokenReason is set when the router died under us (worker loss). A
	// broken conference refuses new work and waits for the registry to
	// destroy it.
	brokenReason string

	logger    *logrus.Entry
	telemetry *telemetry.Telemetry
}

func New(ctx context.Context, id, name string, worker engine.Worker, router engine.Router, config Config) *Conference {
	return &Conference{
		id:           id,
		name:         name,
		createdAt:    time.Now(),
		workerPid:    worker.Pid(),
		router:       router,
		config:       config,
		participants: make(map[string]*participant.Participant),
		logger:       logrus.WithFields(logrus.Fields{"conf_id": id, "worker_pid": worker.Pid()}),
		telemetry: telemetry.NewTelemetry(ctx, "conference",
			attribute.String("conf_id", id),
			attribute.Int("worker_pid", worker.Pid())),
	}
}

func (c *Conference) ID() string { return c.id }

func (c *Conference) Name() string { return c.name }

func (c *Conference) CreatedAt() time.Time { return c.createdAt }

func (c *Conference) WorkerPid() int { return c.workerPid }

// RouterCapabilities returns the RTP capabilities clients negotiate against.
func (c *Conference) RouterCapabilities() json.RawMessage {
	return c.router.RTPCapabilities()
}

// RouterClosed reports whether the engine side of this conference is gone.
func (c *Conference) RouterClosed() bool {
	return c.router.Closed()
}

// MarkBroken records that the conference lost its router, typically because
// its worker died. The registry destroys broken conferences.
func (c *Conference) MarkBroken(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.brokenReason == "" {
		c.brokenReason = reason
		c.logger.WithField("reason", reason).Warn("conference marked broken")
	}
}

// Broken returns the reason the conference was marked broken, if it was.
func (c *Conference) Broken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.brokenReason, c.brokenReason != ""
}

func (c *Conference) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.participants) == 0
}

func (c *Conference) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.participants)
}

// SessionOf returns the session currently bound to a participant.
func (c *Conference) SessionOf(participantID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.participants[participantID]
	if !ok {
		return "", false
	}

	return p.SessionID, true
}

// JoinParticipant inserts a new participant and returns the payload to
// announce it to the rest of the room. The id must be free; the registry
// resolves rejoin attempts before calling here.
func (c *Conference) JoinParticipant(id, name, sessionID string, info json.RawMessage) (protocol.ParticipantJoined, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.brokenReason != "" {
		return protocol.ParticipantJoined{}, protocol.EngineError("conference has lost its media router", nil)
	}
	if _, ok := c.participants[id]; ok {
		return protocol.ParticipantJoined{}, protocol.Validationf("participant id %s already in use", id)
	}

	p := participant.New(id, name, sessionID, info, c.router,
		c.logger.WithFields(logrus.Fields{"participant_id": id, "session_id": sessionID}))
	p.Telemetry = c.telemetry.CreateChild("participant",
		attribute.String("participant_id", id),
		attribute.String("session_id", sessionID))

	c.participants[id] = p
	c.order = append(c.order, id)

	return protocol.ParticipantJoined{
		ParticipantID:   id,
		ParticipantName: name,
		ConferenceID:    c.id,
		ParticipantInfo: info,
	}, nil
}

// MemberExit is what RemoveParticipant reports back for broadcasting: the
// participantLeft payload needs the closed ids, and each closed producer is
// additionally announced on its own with its kind.
type MemberExit struct {
	ClosedProducers   []protocol.ProducerClosed
	ClosedConsumerIDs []string
}

// ClosedProducerIDs projects the closed producers down to their ids.
func (e MemberExit) ClosedProducerIDs() []string {
	ids := make([]string, 0, len(e.ClosedProducers))
	for _, p := range e.ClosedProducers {
		ids = append(ids, p.ProducerID)
	}

	return ids
}

// RemoveParticipant tears the participant's resources down and removes it.
func (c *Conference) RemoveParticipant(id string) (MemberExit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.participants[id]
	if !ok {
		return MemberExit{}, protocol.NotFoundf("participant %s not found in conference %s", id, c.id)
	}

	// Kinds have to be captured before cleanup closes the producers.
	kinds := make(map[string]protocol.MediaKind)
	for _, entry := range p.Producers() {
		kinds[entry.ID] = entry.Kind
	}

	closedProducerIDs, closedConsumerIDs := p.Cleanup()
	if p.Telemetry != nil {
		p.Telemetry.End()
	}

	delete(c.participants, id)
	for i, pid := range c.order {
		if pid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	exit := MemberExit{ClosedConsumerIDs: closedConsumerIDs}
	for _, producerID := range closedProducerIDs {
		exit.ClosedProducers = append(exit.ClosedProducers, protocol.ProducerClosed{
			ParticipantID: id,
			ProducerID:    producerID,
			Kind:          kinds[producerID],
		})
	}

	return exit, nil
}

// CreateTransport creates the participant's transport for one direction on
// the conference router, with the configured listen addresses.
func (c *Conference) CreateTransport(ctx context.Context, participantID string, direction protocol.Direction) (protocol.TransportInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return protocol.TransportInfo{}, err
	}

	return p.CreateTransport(ctx, direction, c.config.TransportOptions)
}

func (c *Conference) ConnectTransport(ctx context.Context, participantID string, direction protocol.Direction, dtlsParameters json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return err
	}

	return p.ConnectTransport(ctx, direction, dtlsParameters)
}

// Produce creates a producer for the participant after checking the
// configured caps. The check and the creation happen under one lock, so two
// concurrent produce requests cannot both squeeze under the cap.
func (c *Conference) Produce(
	ctx context.Context,
	participantID, transportID string,
	kind protocol.MediaKind,
	streamType protocol.StreamType,
	rtpParameters json.RawMessage,
) (string, protocol.NewProducer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return "", protocol.NewProducer{}, err
	}

	if c.config.Limits != nil {
		if max := c.config.Limits.Max(kind); max > 0 && p.ProducerCount(kind) >= max {
			return "", protocol.NewProducer{}, protocol.LimitExceededf(
				"Maximum %s producers (%d) reached for participant %s", kind, max, participantID)
		}
	}

	producerID, err := p.Produce(ctx, transportID, kind, streamType, rtpParameters)
	if err != nil {
		return "", protocol.NewProducer{}, err
	}

	return producerID, protocol.NewProducer{
		ProducerID:      producerID,
		ParticipantID:   participantID,
		ParticipantName: p.Name,
		Kind:            kind,
		StreamType:      streamType,
	}, nil
}

// Consume subscribes the participant to one producer owned by somebody else
// in this conference. The producer is resolved by id across the membership;
// consuming your own producer is refused, the engine would just echo your
// media back at you.
func (c *Conference) Consume(ctx context.Context, participantID, producerID string, rtpCapabilities json.RawMessage) (protocol.ConsumerParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return protocol.ConsumerParams{}, err
	}

	if p.OwnsProducer(producerID) {
		return protocol.ConsumerParams{}, protocol.PreconditionFailedf("participant %s cannot consume its own producer", participantID)
	}

	owner := c.producerOwnerLocked(participantID, producerID)
	if owner == nil {
		return protocol.ConsumerParams{}, protocol.NotFoundf("producer %s not found in conference %s", producerID, c.id)
	}

	streamType, _ := owner.StreamTypeOf(producerID)

	return p.Consume(ctx, producerID, rtpCapabilities, streamType)
}

// ConsumeParticipant creates one consumer per open producer of the target
// participant, in the order the target created them. Individual failures are
// logged and skipped: a partial subscription beats losing the whole
// participant over one bad producer. A target that is not (or no longer) in
// the conference yields an empty list, not an error: the caller may be
// racing the target's departure.
func (c *Conference) ConsumeParticipant(ctx context.Context, participantID, targetID string, rtpCapabilities json.RawMessage) ([]protocol.ConsumerParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return nil, err
	}

	if targetID == participantID {
		return nil, protocol.NotFoundf("participant %s not found in conference %s", targetID, c.id)
	}
	target, ok := c.participants[targetID]
	if !ok {
		return []protocol.ConsumerParams{}, nil
	}

	params := []protocol.ConsumerParams{}
	for _, entry := range target.Producers() {
		consumerParams, err := p.Consume(ctx, entry.ID, rtpCapabilities, entry.StreamType)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"participant_id": participantID,
				"producer_id":    entry.ID,
			}).WithError(err).Warn("skipping producer that could not be consumed")
			continue
		}
		params = append(params, consumerParams)
	}

	return params, nil
}

// ResumeConsumer unpauses one of the participant's consumers, letting media
// flow once the client is ready to render it.
func (c *Conference) ResumeConsumer(ctx context.Context, participantID, consumerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return err
	}

	return p.ResumeConsumer(ctx, consumerID)
}

// CloseConsumer closes one of the participant's consumers. A nil broadcast
// means the consumer was already closed and nothing should be announced.
func (c *Conference) CloseConsumer(participantID, consumerID string) (*protocol.ConsumerClosed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return nil, err
	}

	changed, err := p.CloseConsumer(consumerID)
	if err != nil || !changed {
		return nil, err
	}

	return &protocol.ConsumerClosed{ParticipantID: participantID, ConsumerID: consumerID}, nil
}

func (c *Conference) PauseProducer(ctx context.Context, participantID, producerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return err
	}

	return p.PauseProducer(ctx, producerID)
}

func (c *Conference) ResumeProducer(ctx context.Context, participantID, producerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return err
	}

	return p.ResumeProducer(ctx, producerID)
}

// CloseProducer closes one of the participant's producers. A nil broadcast
// means it was already closed; repeating the request must not re-announce.
func (c *Conference) CloseProducer(participantID, producerID string) (*protocol.ProducerClosed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return nil, err
	}

	kind, changed, err := p.CloseProducer(producerID)
	if err != nil || !changed {
		return nil, err
	}

	return &protocol.ProducerClosed{ParticipantID: participantID, ProducerID: producerID, Kind: kind}, nil
}

// SetKindPaused implements the mute/unmute family for one participant and
// returns the producer ids that actually changed state.
func (c *Conference) SetKindPaused(ctx context.Context, participantID string, kind protocol.MediaKind, paused bool) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return nil, err
	}

	return p.SetKindPaused(ctx, kind, paused), nil
}

// Snapshots lists the membership with open producer ids, in join order.
func (c *Conference) Snapshots() []protocol.ParticipantEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]protocol.ParticipantEntry, 0, len(c.order))
	for _, id := range c.order {
		p := c.participants[id]
		entries = append(entries, protocol.ParticipantEntry{
			ParticipantID:   p.ID,
			ParticipantName: p.Name,
			ProducerIDs:     p.ProducerIDs(),
		})
	}

	return entries
}

// Producers lists one participant's open producers, in creation order.
func (c *Conference) Producers(participantID string) ([]participant.ProducerEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.participantLocked(participantID)
	if err != nil {
		return nil, err
	}

	return p.Producers(), nil
}

// Close shuts the conference's engine resources down. Participants are
// expected to have been removed already; whatever remains dies with the
// router.
func (c *Conference) Close() {
	c.mu.Lock()
	for _, p := range c.participants {
		if p.Telemetry != nil {
			p.Telemetry.End()
		}
	}
	c.participants = make(map[string]*participant.Participant)
	c.order = nil
	c.mu.Unlock()

	// Outside the lock: the router's on-close hooks call into the pool.
	c.router.Close()
	c.telemetry.End()
}

func (c *Conference) participantLocked(id string) (*participant.Participant, error) {
	p, ok := c.participants[id]
	if !ok {
		return nil, protocol.NotFoundf("participant %s not found in conference %s", id, c.id)
	}

	return p, nil
}

// producerOwnerLocked finds which other participant owns a producer. The
// requester is excluded from the search.
func (c *Conference) producerOwnerLocked(requesterID, producerID string) *participant.Participant {
	for id, p := range c.participants {
		if id == requesterID {
			continue
		}
		if p.OwnsProducer(producerID) {
			return p
		}
	}

	return nil
}
