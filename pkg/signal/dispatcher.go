package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/conference"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/routing"
	"github.com/weir-sfu/weir/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// dispatcher maps one decoded request onto the registry and conference
// operations. Handlers validate first, mutate second and broadcast last, so
// a rejected request never leaks a broadcast.
type dispatcher struct {
	server   *Server
	registry *routing.Registry
	bus      *events.Bus
	metrics  *telemetry.Metrics
}

func (d *dispatcher) dispatch(session *Session, request protocol.Request) protocol.Response {
	started := time.Now()
	session.logger.WithFields(logrus.Fields{
		"type":       request.Type,
		"request_id": request.ID,
	}).Info("handling request")

	tel := telemetry.NewTelemetry(session.ctx, "signal."+request.Type,
		attribute.String("session_id", session.id))
	defer tel.End()

	// The deadline inherits from the session context: a disconnect cancels
	// whatever the handler is waiting on at its next engine call.
	ctx, cancel := context.WithTimeout(session.ctx, d.server.config.RequestTimeout)
	defer cancel()

	data, err := d.handle(ctx, session, request)

	status := protocol.StatusOK
	if err != nil {
		status = protocol.StatusError
	}
	d.metrics.RequestsTotal.WithLabelValues(request.Type, status).Inc()
	d.metrics.RequestDuration.WithLabelValues(request.Type).Observe(time.Since(started).Seconds())

	if err != nil {
		tel.Fail(err)
		session.logger.WithFields(logrus.Fields{
			"type":       request.Type,
			"request_id": request.ID,
		}).WithError(err).Info("request failed")

		return protocol.NewError(request.ID, errMessage(err))
	}

	return protocol.NewOK(request.ID, data)
}

func (d *dispatcher) handle(ctx context.Context, session *Session, request protocol.Request) (any, error) {
	switch request.Type {
	case protocol.TypeJoinConference:
		return d.joinConference(ctx, session, request.Data)
	case protocol.TypeLeaveConference:
		return d.leaveConference(session, request.Data)
	case protocol.TypeGetParticipants:
		return d.getParticipants(request.Data)
	case protocol.TypeCreateTransport:
		return d.createTransport(ctx, session, request.Data)
	case protocol.TypeConnectTransport:
		return d.connectTransport(ctx, session, request.Data)
	case protocol.TypeProduce:
		return d.produce(ctx, session, request.Data)
	case protocol.TypeConsume:
		return d.consume(ctx, session, request.Data)
	case protocol.TypeConsumeParticipantMedia:
		return d.consumeParticipantMedia(ctx, session, request.Data)
	case protocol.TypeUnpauseConsumer:
		return d.unpauseConsumer(ctx, session, request.Data)
	case protocol.TypePauseProducer:
		return d.producerControl(ctx, session, request.Data, producerPause)
	case protocol.TypeResumeProducer:
		return d.producerControl(ctx, session, request.Data, producerResume)
	case protocol.TypeCloseProducer:
		return d.producerControl(ctx, session, request.Data, producerClose)
	case protocol.TypeCloseConsumer:
		return d.closeConsumer(session, request.Data)
	case protocol.TypeMuteAudio:
		return d.mediaControl(ctx, session, request.Data, protocol.KindAudio, true)
	case protocol.TypeUnmuteAudio:
		return d.mediaControl(ctx, session, request.Data, protocol.KindAudio, false)
	case protocol.TypeMuteVideo:
		return d.mediaControl(ctx, session, request.Data, protocol.KindVideo, true)
	case protocol.TypeUnmuteVideo:
		return d.mediaControl(ctx, session, request.Data, protocol.KindVideo, false)
	default:
		return nil, protocol.Validationf("unknown request type %q", request.Type)
	}
}

func (d *dispatcher) joinConference(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.JoinConferenceRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	data := request.Data
	if data.ConferenceID == "" || data.ParticipantID == "" || data.ParticipantName == "" {
		return nil, protocol.Validationf("conferenceId, participantId and participantName are required")
	}

	var result routing.JoinResult
	var err error
	d.server.withCommitOrder(data.ConferenceID, func() {
		result, err = d.registry.JoinConference(ctx, data, session.id)
		if err != nil {
			return
		}

		d.server.joinRoom(data.ConferenceID, session)
		if !result.Rejoined {
			d.server.broadcastExcept(data.ConferenceID, result.Announce, session.id)
		}
	})
	if err != nil {
		return nil, err
	}

	return protocol.JoinConferenceResponse{RouterCapabilities: result.RouterCapabilities}, nil
}

func (d *dispatcher) leaveConference(session *Session, raw json.RawMessage) (any, error) {
	var request protocol.LeaveConferenceRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ConferenceID == "" || request.ParticipantID == "" {
		return nil, protocol.Validationf("conferenceId and participantId are required")
	}

	// Leaving twice, or leaving something never joined, acks ok: the caller
	// wanted to be out and out it is.
	d.server.withCommitOrder(request.ConferenceID, func() {
		if result := d.registry.Leave(request.ConferenceID, request.ParticipantID, session.id); result != nil {
			d.server.announceLeave(session.id, result)
		}
	})

	return nil, nil
}

func (d *dispatcher) getParticipants(raw json.RawMessage) (any, error) {
	var request protocol.GetParticipantsRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ConferenceID == "" {
		return nil, protocol.Validationf("conferenceId is required")
	}

	conf, err := d.registry.Conference(request.ConferenceID)
	if err != nil {
		return nil, err
	}

	return conf.Snapshots(), nil
}

func (d *dispatcher) createTransport(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.CreateTransportRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if !request.Direction.Valid() {
		return nil, protocol.Validationf("direction must be %q or %q", protocol.DirectionProducer, protocol.DirectionConsumer)
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	return conf.CreateTransport(ctx, request.ParticipantID, request.Direction)
}

func (d *dispatcher) connectTransport(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.ConnectTransportRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if !request.Direction.Valid() {
		return nil, protocol.Validationf("direction must be %q or %q", protocol.DirectionProducer, protocol.DirectionConsumer)
	}
	if len(request.DTLSParameters) == 0 {
		return nil, protocol.Validationf("dtlsParameters are required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	return nil, conf.ConnectTransport(ctx, request.ParticipantID, request.Direction, request.DTLSParameters)
}

func (d *dispatcher) produce(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.ProduceRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.TransportID == "" {
		return nil, protocol.Validationf("transportId is required")
	}
	if !request.Kind.Valid() {
		return nil, protocol.Validationf("kind must be %q or %q", protocol.KindAudio, protocol.KindVideo)
	}
	if len(request.RTPParameters) == 0 {
		return nil, protocol.Validationf("rtpParameters are required")
	}

	streamType := request.StreamType
	if streamType == "" {
		streamType = protocol.DefaultStreamType(request.Kind)
	}
	if !streamType.Valid() {
		return nil, protocol.Validationf("unknown streamType %q", streamType)
	}
	if !streamType.MatchesKind(request.Kind) {
		return nil, protocol.Validationf("streamType %q does not match kind %q", streamType, request.Kind)
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	var producerID string
	d.server.withCommitOrder(request.ConferenceID, func() {
		var announce protocol.NewProducer
		producerID, announce, err = conf.Produce(ctx, request.ParticipantID, request.TransportID, request.Kind, streamType, request.RTPParameters)
		if err != nil {
			return
		}
		d.server.broadcastExcept(request.ConferenceID, announce, session.id)
	})
	if err != nil {
		return nil, err
	}
	d.bus.Publish(events.Event{
		Type:          events.ProducerCreated,
		SessionID:     session.id,
		ConferenceID:  request.ConferenceID,
		ParticipantID: request.ParticipantID,
		ResourceID:    producerID,
		Kind:          request.Kind,
	})

	return protocol.ProduceResponse{ProducerID: producerID}, nil
}

func (d *dispatcher) consume(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.ConsumeRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ConsumeOptions.ProducerID == "" {
		return nil, protocol.Validationf("consumeOptions.producerId is required")
	}
	if len(request.ConsumeOptions.RTPCapabilities) == 0 {
		return nil, protocol.Validationf("consumeOptions.rtpCapabilities are required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	params, err := conf.Consume(ctx, request.ParticipantID, request.ConsumeOptions.ProducerID, request.ConsumeOptions.RTPCapabilities)
	if err != nil {
		return nil, err
	}

	d.publishConsumerCreated(session, request.ConferenceID, request.ParticipantID, params)

	return params, nil
}

func (d *dispatcher) consumeParticipantMedia(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.ConsumeParticipantMediaRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.TargetParticipantID == "" {
		return nil, protocol.Validationf("targetParticipantId is required")
	}
	if len(request.RTPCapabilities) == 0 {
		return nil, protocol.Validationf("rtpCapabilities are required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	params, err := conf.ConsumeParticipant(ctx, request.ParticipantID, request.TargetParticipantID, request.RTPCapabilities)
	if err != nil {
		return nil, err
	}

	for _, p := range params {
		d.publishConsumerCreated(session, request.ConferenceID, request.ParticipantID, p)
	}

	return params, nil
}

func (d *dispatcher) unpauseConsumer(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var request protocol.UnpauseConsumerRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ConsumerID == "" {
		return nil, protocol.Validationf("consumerId is required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	return nil, conf.ResumeConsumer(ctx, request.ParticipantID, request.ConsumerID)
}

type producerAction int

const (
	producerPause producerAction = iota
	producerResume
	producerClose
)

func (d *dispatcher) producerControl(ctx context.Context, session *Session, raw json.RawMessage, action producerAction) (any, error) {
	var request protocol.ProducerControlRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ExtraData.ProducerID == "" {
		return nil, protocol.Validationf("extraData.producerId is required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	switch action {
	case producerPause:
		return nil, conf.PauseProducer(ctx, request.ParticipantID, request.ExtraData.ProducerID)
	case producerResume:
		return nil, conf.ResumeProducer(ctx, request.ParticipantID, request.ExtraData.ProducerID)
	default:
		var announce *protocol.ProducerClosed
		d.server.withCommitOrder(request.ConferenceID, func() {
			announce, err = conf.CloseProducer(request.ParticipantID, request.ExtraData.ProducerID)
			if err != nil || announce == nil {
				return
			}
			d.server.broadcastExcept(request.ConferenceID, *announce, session.id)
		})
		if err != nil {
			return nil, err
		}
		if announce != nil {
			d.bus.Publish(events.Event{
				Type:          events.ProducerClosed,
				SessionID:     session.id,
				ConferenceID:  request.ConferenceID,
				ParticipantID: request.ParticipantID,
				ResourceID:    announce.ProducerID,
				Kind:          announce.Kind,
			})
		}

		return nil, nil
	}
}

func (d *dispatcher) closeConsumer(session *Session, raw json.RawMessage) (any, error) {
	var request protocol.CloseConsumerRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}
	if request.ExtraData.ConsumerID == "" {
		return nil, protocol.Validationf("extraData.consumerId is required")
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	var announce *protocol.ConsumerClosed
	d.server.withCommitOrder(request.ConferenceID, func() {
		announce, err = conf.CloseConsumer(request.ParticipantID, request.ExtraData.ConsumerID)
		if err != nil || announce == nil {
			return
		}
		d.server.broadcastExcept(request.ConferenceID, *announce, session.id)
	})
	if err != nil {
		return nil, err
	}
	if announce != nil {
		d.bus.Publish(events.Event{
			Type:          events.ConsumerClosed,
			SessionID:     session.id,
			ConferenceID:  request.ConferenceID,
			ParticipantID: request.ParticipantID,
			ResourceID:    announce.ConsumerID,
		})
	}

	return nil, nil
}

func (d *dispatcher) mediaControl(ctx context.Context, session *Session, raw json.RawMessage, kind protocol.MediaKind, paused bool) (any, error) {
	var request protocol.MediaControlRequest
	if err := decode(raw, &request); err != nil {
		return nil, err
	}

	conf, err := d.memberConference(session, request.ConferenceID, request.ParticipantID)
	if err != nil {
		return nil, err
	}

	producerIDs, err := conf.SetKindPaused(ctx, request.ParticipantID, kind, paused)
	if err != nil {
		return nil, err
	}

	d.bus.Publish(events.Event{
		Type:          muteEventType(kind, paused),
		SessionID:     session.id,
		ConferenceID:  request.ConferenceID,
		ParticipantID: request.ParticipantID,
		Kind:          kind,
	})

	return protocol.MediaControlResponse{ProducerIDs: producerIDs}, nil
}

func (d *dispatcher) publishConsumerCreated(session *Session, conferenceID, participantID string, params protocol.ConsumerParams) {
	d.bus.Publish(events.Event{
		Type:          events.ConsumerCreated,
		SessionID:     session.id,
		ConferenceID:  conferenceID,
		ParticipantID: participantID,
		ResourceID:    params.ID,
		Kind:          params.Kind,
	})
}

// memberConference checks that the session actually controls the addressed
// participant before any operation is run on its behalf, and resolves the
// conference.
func (d *dispatcher) memberConference(session *Session, conferenceID, participantID string) (*conference.Conference, error) {
	if conferenceID == "" || participantID == "" {
		return nil, protocol.Validationf("conferenceId and participantId are required")
	}

	binding, ok := d.registry.BindingOf(session.id)
	if !ok || binding.ConferenceID != conferenceID || binding.ParticipantID != participantID {
		return nil, protocol.Validationf("session does not control participant %s in conference %s", participantID, conferenceID)
	}

	return d.registry.Conference(conferenceID)
}

func muteEventType(kind protocol.MediaKind, paused bool) events.Type {
	switch {
	case kind == protocol.KindAudio && paused:
		return events.AudioMuted
	case kind == protocol.KindAudio:
		return events.AudioUnmuted
	case paused:
		return events.VideoMuted
	default:
		return events.VideoUnmuted
	}
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return protocol.Validationf("request payload is required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return protocol.Validationf("malformed request payload: %v", err)
	}

	return nil
}

// errMessage is what travels in the error acknowledgement. Internal error
// chains stay inside; the client gets the stable message of the taxonomy.
func errMessage(err error) string {
	var e *protocol.Error
	if errors.As(err, &e) {
		return e.Message
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "request cancelled"
	}

	return "internal error"
}
