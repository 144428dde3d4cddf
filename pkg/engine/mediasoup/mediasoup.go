// Package mediasoup adapts the mediasoup media engine to the engine
// interfaces. Each worker is a mediasoup-worker child process; routers,
// transports, producers and consumers map one to one onto their mediasoup
// counterparts.
//
// Parameter blobs cross the boundary as JSON: the wire protocol carries them
// as raw messages and mediasoup's types are JSON-tagged mirrors of the same
// schema, so a marshal/unmarshal round trip is the whole translation.
package mediasoup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jiyeyuran/mediasoup-go"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// Engine spawns mediasoup workers. The zero value is ready to use.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := mediasoup.NewWorker(func(s *mediasoup.WorkerSettings) {
		if settings.LogLevel != "" {
			s.LogLevel = mediasoup.WorkerLogLevel(settings.LogLevel)
		}
		for _, tag := range settings.LogTags {
			s.LogTags = append(s.LogTags, mediasoup.WorkerLogTag(tag))
		}
		if settings.RTCMinPort != 0 {
			s.RtcMinPort = settings.RTCMinPort
		}
		if settings.RTCMaxPort != 0 {
			s.RtcMaxPort = settings.RTCMaxPort
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn mediasoup worker: %w", err)
	}

	return &worker{worker: w}, nil
}

type worker struct {
	worker *mediasoup.Worker
}

func (w *worker) Pid() int { return w.worker.Pid() }

func (w *worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var codecs []*mediasoup.RtpCodecCapability
	if len(opts.MediaCodecs) > 0 {
		if err := json.Unmarshal(opts.MediaCodecs, &codecs); err != nil {
			return nil, fmt.Errorf("invalid media codecs: %w", err)
		}
	}

	r, err := w.worker.CreateRouter(mediasoup.RouterOptions{MediaCodecs: codecs})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	caps, err := json.Marshal(r.RtpCapabilities())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize router capabilities: %w", err)
	}

	return &router{router: r, caps: caps}, nil
}

func (w *worker) GetResourceUsage(ctx context.Context) (engine.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return engine.ResourceUsage{}, err
	}

	usage, err := w.worker.GetResourceUsage()
	if err != nil {
		return engine.ResourceUsage{}, fmt.Errorf("failed to read worker resource usage: %w", err)
	}

	return engine.ResourceUsage{
		UserTime:   float64(usage.RU_Utime),
		SystemTime: float64(usage.RU_Stime),
	}, nil
}

func (w *worker) OnDied(fn func(err error)) {
	w.worker.On("died", func(err error) { fn(err) })
}

func (w *worker) Close() { w.worker.Close() }

func (w *worker) Closed() bool { return w.worker.Closed() }

type router struct {
	router *mediasoup.Router
	caps   json.RawMessage
}

func (r *router) ID() string { return r.router.Id() }

func (r *router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *router) CreateWebRTCTransport(ctx context.Context, opts engine.WebRTCTransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listenIps := make([]mediasoup.TransportListenIp, 0, len(opts.ListenIPs))
	for _, ip := range opts.ListenIPs {
		listenIps = append(listenIps, mediasoup.TransportListenIp{Ip: ip.IP, AnnouncedIp: ip.AnnouncedIP})
	}

	enableUdp := opts.EnableUDP
	t, err := r.router.CreateWebRtcTransport(mediasoup.WebRtcTransportOptions{
		ListenIps:                       listenIps,
		EnableUdp:                       &enableUdp,
		EnableTcp:                       opts.EnableTCP,
		PreferUdp:                       opts.PreferUDP,
		InitialAvailableOutgoingBitrate: opts.InitialAvailableOutgoingBitrate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc transport: %w", err)
	}

	wrapped := &transport{transport: t}
	if err := wrapped.snapshotParameters(); err != nil {
		t.Close()
		return nil, err
	}

	return wrapped, nil
}

func (r *router) OnClosed(fn func()) {
	r.router.Observer().On("close", func() { fn() })
}

func (r *router) Close() { r.router.Close() }

func (r *router) Closed() bool { return r.router.Closed() }

type transport struct {
	transport *mediasoup.WebRtcTransport

	ice        json.RawMessage
	candidates json.RawMessage
	dtls       json.RawMessage
	sctp       json.RawMessage
}

// snapshotParameters serializes the negotiation parameters once at creation;
// they are immutable for the transport's lifetime.
func (t *transport) snapshotParameters() error {
	var err error
	if t.ice, err = json.Marshal(t.transport.IceParameters()); err != nil {
		return fmt.Errorf("failed to serialize ice parameters: %w", err)
	}
	if t.candidates, err = json.Marshal(t.transport.IceCandidates()); err != nil {
		return fmt.Errorf("failed to serialize ice candidates: %w", err)
	}
	if t.dtls, err = json.Marshal(t.transport.DtlsParameters()); err != nil {
		return fmt.Errorf("failed to serialize dtls parameters: %w", err)
	}
	if sctp := t.transport.SctpParameters(); sctp.OS != 0 || sctp.MIS != 0 {
		if t.sctp, err = json.Marshal(sctp); err != nil {
			return fmt.Errorf("failed to serialize sctp parameters: %w", err)
		}
	}

	return nil
}

func (t *transport) ID() string { return t.transport.Id() }

func (t *transport) ICEParameters() json.RawMessage { return t.ice }

func (t *transport) ICECandidates() json.RawMessage { return t.candidates }

func (t *transport) DTLSParameters() json.RawMessage { return t.dtls }

func (t *transport) SCTPParameters() json.RawMessage { return t.sctp }

func (t *transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var dtls mediasoup.DtlsParameters
	if err := json.Unmarshal(dtlsParameters, &dtls); err != nil {
		return fmt.Errorf("invalid dtls parameters: %w", err)
	}

	return t.transport.Connect(mediasoup.TransportConnectOptions{DtlsParameters: &dtls})
}

func (t *transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rtpParameters mediasoup.RtpParameters
	if err := json.Unmarshal(opts.RTPParameters, &rtpParameters); err != nil {
		return nil, fmt.Errorf("invalid rtp parameters: %w", err)
	}

	p, err := t.transport.Produce(mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(opts.Kind),
		RtpParameters: rtpParameters,
		Paused:        opts.Paused,
		AppData:       appData(opts.AppData),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to produce: %w", err)
	}

	return &producer{producer: p, appData: opts.AppData}, nil
}

func (t *transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rtpCapabilities mediasoup.RtpCapabilities
	if err := json.Unmarshal(opts.RTPCapabilities, &rtpCapabilities); err != nil {
		return nil, fmt.Errorf("invalid rtp capabilities: %w", err)
	}

	c, err := t.transport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      opts.ProducerID,
		RtpCapabilities: rtpCapabilities,
		Paused:          opts.Paused,
		AppData:         appData(opts.AppData),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	params, err := json.Marshal(c.RtpParameters())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize consumer rtp parameters: %w", err)
	}

	return &consumer{consumer: c, rtpParameters: params}, nil
}

func (t *transport) Close() { t.transport.Close() }

func (t *transport) Closed() bool { return t.transport.Closed() }

type producer struct {
	producer *mediasoup.Producer
	appData  map[string]string
}

func (p *producer) ID() string { return p.producer.Id() }

func (p *producer) Kind() protocol.MediaKind { return protocol.MediaKind(p.producer.Kind()) }

func (p *producer) AppData() map[string]string { return p.appData }

func (p *producer) Paused() bool { return p.producer.Paused() }

func (p *producer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.producer.Pause()
}

func (p *producer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.producer.Resume()
}

func (p *producer) Close() { p.producer.Close() }

func (p *producer) Closed() bool { return p.producer.Closed() }

type consumer struct {
	consumer      *mediasoup.Consumer
	rtpParameters json.RawMessage
}

func (c *consumer) ID() string { return c.consumer.Id() }

func (c *consumer) ProducerID() string { return c.consumer.ProducerId() }

func (c *consumer) Kind() protocol.MediaKind { return protocol.MediaKind(c.consumer.Kind()) }

func (c *consumer) RTPParameters() json.RawMessage { return c.rtpParameters }

func (c *consumer) Paused() bool { return c.consumer.Paused() }

func (c *consumer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.consumer.Pause()
}

func (c *consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.consumer.Resume()
}

func (c *consumer) Close() { c.consumer.Close() }

func (c *consumer) Closed() bool { return c.consumer.Closed() }

// appData converts the string tags into mediasoup's loose appData map.
func appData(tags map[string]string) map[string]interface{} {
	if len(tags) == 0 {
		return nil
	}

	data := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		data[k] = v
	}

	return data
}
