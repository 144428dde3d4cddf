// Package protocol defines the wire format spoken between clients and the
// signaling server: request/acknowledgement envelopes, the payloads of every
// request, and the tagged union of broadcast events pushed to conference
// rooms. The package is transport-agnostic; frames are plain JSON.
package protocol

import "encoding/json"

// Request is a single client-to-server frame. The client chooses the id and
// the matching Response echoes it back, which lets a client multiplex
// concurrent requests over one session.
type Request struct {
	ID   uint64          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response acknowledges exactly one Request. Status is either StatusOK with
// an optional Data payload, or StatusError with a human-readable Error.
type Response struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request types understood by the dispatcher.
const (
	TypeJoinConference          = "joinConference"
	TypeLeaveConference         = "leaveConference"
	TypeGetParticipants         = "getParticipants"
	TypeCreateTransport         = "createTransport"
	TypeConnectTransport        = "connectTransport"
	TypeProduce                 = "produce"
	TypeConsume                 = "consume"
	TypeConsumeParticipantMedia = "consumeParticipantMedia"
	TypeUnpauseConsumer         = "unpauseConsumer"
	TypePauseProducer           = "pauseProducer"
	TypeResumeProducer          = "resumeProducer"
	TypeCloseProducer           = "closeProducer"
	TypeCloseConsumer           = "closeConsumer"
	TypeMuteAudio               = "muteAudio"
	TypeUnmuteAudio             = "unmuteAudio"
	TypeMuteVideo               = "muteVideo"
	TypeUnmuteVideo             = "unmuteVideo"
)

// NewOK builds a successful acknowledgement for the given request id.
func NewOK(id uint64, data any) Response {
	return Response{ID: id, Status: StatusOK, Data: data}
}

// NewError builds a failed acknowledgement carrying a human-readable reason.
func NewError(id uint64, message string) Response {
	return Response{ID: id, Status: StatusError, Error: message}
}
