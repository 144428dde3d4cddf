package protocol

import (
	"encoding/json"
	"fmt"
)

// Broadcast is one server-initiated event fanned out to the sessions of a
// conference room. The concrete types below form a closed union; EncodePush
// and DecodePush are exhaustive over it.
type Broadcast interface {
	BroadcastType() string
}

// Broadcast event names.
const (
	EventParticipantJoined   = "participantJoined"
	EventParticipantLeft     = "participantLeft"
	EventNewProducer         = "newProducer"
	EventProducerClosed      = "producerClosed"
	EventConsumerClosed      = "consumerClosed"
	EventConferenceDestroyed = "conferenceDestroyed"
)

// Reasons carried by ConferenceDestroyed.
const (
	DestroyReasonWorkerDied   = "workerDied"
	DestroyReasonRouterClosed = "routerClosed"
	DestroyReasonAdminClosed  = "closedByAdmin"
)

type ParticipantJoined struct {
	ParticipantID   string          `json:"participantId"`
	ParticipantName string          `json:"participantName"`
	ConferenceID    string          `json:"conferenceId"`
	ParticipantInfo json.RawMessage `json:"participantInfo,omitempty"`
}

func (ParticipantJoined) BroadcastType() string { return EventParticipantJoined }

// ParticipantLeft lists the leaver's own resources that were closed during
// cleanup so remaining clients can drop any state keyed on them.
type ParticipantLeft struct {
	ParticipantID     string   `json:"participantId"`
	ClosedProducerIDs []string `json:"closedProducerIds"`
	ClosedConsumerIDs []string `json:"closedConsumerIds"`
}

func (ParticipantLeft) BroadcastType() string { return EventParticipantLeft }

type NewProducer struct {
	ProducerID      string     `json:"producerId"`
	ParticipantID   string     `json:"participantId"`
	ParticipantName string     `json:"participantName"`
	Kind            MediaKind  `json:"kind"`
	StreamType      StreamType `json:"streamType"`
}

func (NewProducer) BroadcastType() string { return EventNewProducer }

type ProducerClosed struct {
	ParticipantID string    `json:"participantId"`
	ProducerID    string    `json:"producerId"`
	Kind          MediaKind `json:"kind"`
}

func (ProducerClosed) BroadcastType() string { return EventProducerClosed }

type ConsumerClosed struct {
	ParticipantID string `json:"participantId"`
	ConsumerID    string `json:"consumerId"`
}

func (ConsumerClosed) BroadcastType() string { return EventConsumerClosed }

type ConferenceDestroyed struct {
	ConferenceID string `json:"conferenceId"`
	Reason       string `json:"reason"`
}

func (ConferenceDestroyed) BroadcastType() string { return EventConferenceDestroyed }

// Push is the frame shape of a broadcast on the wire. It carries no id,
// which is how clients tell pushes apart from request acknowledgements.
type Push struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePush serializes a broadcast into its wire frame.
func EncodePush(b Broadcast) ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", b.BroadcastType(), err)
	}

	return json.Marshal(Push{Type: b.BroadcastType(), Data: payload})
}

// DecodePush parses a wire frame back into its concrete broadcast type.
func DecodePush(frame []byte) (Broadcast, error) {
	var push Push
	if err := json.Unmarshal(frame, &push); err != nil {
		return nil, fmt.Errorf("unmarshal push frame: %w", err)
	}

	var b Broadcast
	switch push.Type {
	case EventParticipantJoined:
		b = &ParticipantJoined{}
	case EventParticipantLeft:
		b = &ParticipantLeft{}
	case EventNewProducer:
		b = &NewProducer{}
	case EventProducerClosed:
		b = &ProducerClosed{}
	case EventConsumerClosed:
		b = &ConsumerClosed{}
	case EventConferenceDestroyed:
		b = &ConferenceDestroyed{}
	default:
		return nil, fmt.Errorf("unknown push type %q", push.Type)
	}

	if err := json.Unmarshal(push.Data, b); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", push.Type, err)
	}

	return b, nil
}
