// Package engine abstracts the SFU media engine that does the actual RTP
// work. The signaling layer only ever talks to these interfaces. The
// mediasoup subpackage implements them on top of mediasoup workers; the
// enginetest subpackage provides a scriptable in-memory engine for tests.
//
// Parameter blobs (RTP capabilities, ICE/DTLS parameters and friends) stay
// opaque json.RawMessage values end to end: the signaling layer never
// inspects them, it only forwards them between clients and the engine.
package engine

import (
	"context"
	"encoding/json"

	"github.com/weir-sfu/weir/pkg/protocol"
)

// AppDataStreamType is the producer appData key carrying the stream tag
// (audio, video or screenshare) through the engine.
const AppDataStreamType = "streamType"

// Engine spawns media worker processes.
type Engine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is one engine-managed media process. A worker hosts many routers.
type Worker interface {
	Pid() int
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	// GetResourceUsage returns the worker's cumulative CPU accounting.
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)
	// OnDied registers a hook invoked when the worker process dies
	// unexpectedly. A clean Close does not fire it.
	OnDied(fn func(err error))
	Close()
	Closed() bool
}

// Router is the per-conference media hub. All transports of a conference
// are created on its router, which is what lets the engine forward streams
// between them.
type Router interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CreateWebRTCTransport(ctx context.Context, opts WebRTCTransportOptions) (Transport, error)
	// OnClosed registers a hook invoked once when the router closes, no
	// matter who closed it.
	OnClosed(fn func())
	Close()
	Closed() bool
}

// Transport is one client's per-direction media path.
type Transport interface {
	ID() string
	ICEParameters() json.RawMessage
	ICECandidates() json.RawMessage
	DTLSParameters() json.RawMessage
	// SCTPParameters is empty when the transport has no data channel.
	SCTPParameters() json.RawMessage
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close()
	Closed() bool
}

// Producer is an uplink media source owned by one participant.
type Producer interface {
	ID() string
	Kind() protocol.MediaKind
	AppData() map[string]string
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Close also closes every consumer currently consuming this producer.
	Close()
	Closed() bool
}

// Consumer is a downlink subscription to one producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() protocol.MediaKind
	RTPParameters() json.RawMessage
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	Closed() bool
}

// WorkerSettings mirror the engine's worker tunables.
type WorkerSettings struct {
	LogLevel   string
	LogTags    []string
	RTCMinPort uint16
	RTCMaxPort uint16
}

// RouterOptions carry the configured codec list verbatim.
type RouterOptions struct {
	MediaCodecs json.RawMessage
}

// ListenIP is one address the engine binds media ports on. AnnouncedIP is
// what clients are told to connect to when the bind address is not routable
// from outside, e.g. behind NAT.
type ListenIP struct {
	IP          string
	AnnouncedIP string
}

type WebRTCTransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate uint32
}

type ProducerOptions struct {
	Kind          protocol.MediaKind
	RTPParameters json.RawMessage
	Paused        bool
	AppData       map[string]string
}

type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities json.RawMessage
	Paused          bool
	AppData         map[string]string
}

// ResourceUsage is the cumulative CPU accounting of one worker process in
// milliseconds, as reported by the engine.
type ResourceUsage struct {
	UserTime   float64
	SystemTime float64
}

// Total is user plus system time.
func (u ResourceUsage) Total() float64 {
	return u.UserTime + u.SystemTime
}
