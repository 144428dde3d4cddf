package protocol

import "encoding/json"

// JoinConferenceRequest is the only request whose payload travels nested
// under a "data" key of its own, a quirk kept for client compatibility.
type JoinConferenceRequest struct {
	Data JoinConferenceData `json:"data"`
}

type JoinConferenceData struct {
	ConferenceID    string          `json:"conferenceId"`
	ConferenceName  string          `json:"conferenceName,omitempty"`
	ParticipantID   string          `json:"participantId"`
	ParticipantName string          `json:"participantName"`
	ParticipantInfo json.RawMessage `json:"participantInfo,omitempty"`
}

type JoinConferenceResponse struct {
	RouterCapabilities json.RawMessage `json:"routerCapabilities"`
}

type LeaveConferenceRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
}

type GetParticipantsRequest struct {
	ConferenceID string `json:"conferenceId"`
}

// ParticipantEntry is one row of the getParticipants acknowledgement.
type ParticipantEntry struct {
	ParticipantID   string   `json:"participantId"`
	ParticipantName string   `json:"participantName"`
	ProducerIDs     []string `json:"producerIds"`
}

type CreateTransportRequest struct {
	ConferenceID  string    `json:"conferenceId"`
	ParticipantID string    `json:"participantId"`
	Direction     Direction `json:"direction"`
}

// TransportInfo carries everything the client needs to set up its side of a
// freshly created WebRTC transport. The parameter blobs are opaque to the
// signaling layer and handed through from the engine verbatim.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

type ConnectTransportRequest struct {
	ConferenceID   string          `json:"conferenceId"`
	ParticipantID  string          `json:"participantId"`
	Direction      Direction       `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceRequest struct {
	ConferenceID  string          `json:"conferenceId"`
	ParticipantID string          `json:"participantId"`
	TransportID   string          `json:"transportId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	StreamType    StreamType      `json:"streamType,omitempty"`
}

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

type ConsumeRequest struct {
	ConferenceID   string         `json:"conferenceId"`
	ParticipantID  string         `json:"participantId"`
	ConsumeOptions ConsumeOptions `json:"consumeOptions"`
}

type ConsumeOptions struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeParticipantMediaRequest struct {
	ConferenceID        string          `json:"conferenceId"`
	ParticipantID       string          `json:"participantId"`
	TargetParticipantID string          `json:"targetParticipantId"`
	RTPCapabilities     json.RawMessage `json:"rtpCapabilities"`
}

// ConsumerParams describes one freshly created consumer. Consumers always
// start paused; the client sends unpauseConsumer once it is ready to render.
type ConsumerParams struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	StreamType    StreamType      `json:"streamType"`
}

type UnpauseConsumerRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
	ConsumerID    string `json:"consumerId"`
}

// ProducerControlRequest covers pauseProducer, resumeProducer and
// closeProducer, all of which address the producer through extraData.
type ProducerControlRequest struct {
	ConferenceID  string        `json:"conferenceId"`
	ParticipantID string        `json:"participantId"`
	ExtraData     ProducerExtra `json:"extraData"`
}

type ProducerExtra struct {
	ProducerID string `json:"producerId"`
}

type CloseConsumerRequest struct {
	ConferenceID  string        `json:"conferenceId"`
	ParticipantID string        `json:"participantId"`
	ExtraData     ConsumerExtra `json:"extraData"`
}

type ConsumerExtra struct {
	ConsumerID string `json:"consumerId"`
}

// MediaControlRequest covers muteAudio, unmuteAudio, muteVideo and
// unmuteVideo, which act on every producer of one kind at once.
type MediaControlRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
}

// MediaControlResponse lists the producers the request actually flipped.
// Producers already in the target state are skipped.
type MediaControlResponse struct {
	ProducerIDs []string `json:"producerIds"`
}
