// Package enginetest provides a scriptable in-memory engine.Engine. It
// fabricates deterministic ids, keeps the producer/consumer graph linked the
// way the real engine does (closing a producer closes its consumers) and
// exposes knobs for injecting failures and firing lifecycle hooks by hand.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"encoding/json"

	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// Engine is the in-memory fake. One mutex guards the whole object graph;
// contention is irrelevant in tests and it keeps the linked close cascades
// trivially correct.
type Engine struct {
	mu        sync.Mutex
	workers   []*Worker
	producers map[string]*Producer
	consumers map[string]*Consumer
	seq       int

	// CreateWorkerErr fails every CreateWorker call while set.
	CreateWorkerErr error
}

func New() *Engine {
	return &Engine{
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

// Producer looks a producer up by id anywhere in the engine.
func (e *Engine) Producer(id string) *Producer {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.producers[id]
}

// Consumer looks a consumer up by id anywhere in the engine.
func (e *Engine) Consumer(id string) *Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.consumers[id]
}

func (e *Engine) CreateWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateWorkerErr != nil {
		return nil, e.CreateWorkerErr
	}

	w := &Worker{
		engine:   e,
		pid:      10000 + len(e.workers),
		settings: settings,
	}
	e.workers = append(e.workers, w)

	return w, nil
}

// Workers returns every worker ever created, dead or alive.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

// Worker fakes one media process.
type Worker struct {
	engine   *Engine
	pid      int
	settings engine.WorkerSettings
	routers  []*Router
	died     []func(error)
	closed   bool
	usage    engine.ResourceUsage

	CreateRouterErr error
	UsageErr        error
}

func (w *Worker) Pid() int { return w.pid }

// Settings returns what the worker was created with.
func (w *Worker) Settings() engine.WorkerSettings { return w.settings }

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	if w.closed {
		return nil, fmt.Errorf("worker %d is closed", w.pid)
	}
	if w.CreateRouterErr != nil {
		return nil, w.CreateRouterErr
	}

	codecs := opts.MediaCodecs
	if len(codecs) == 0 {
		codecs = json.RawMessage(`[]`)
	}

	r := &Router{
		engine:    w.engine,
		worker:    w,
		id:        w.engine.nextID("router"),
		caps:      json.RawMessage(`{"codecs":` + string(codecs) + `,"headerExtensions":[]}`),
		producers: make(map[string]*Producer),
	}
	w.routers = append(w.routers, r)

	return r, nil
}

func (w *Worker) GetResourceUsage(ctx context.Context) (engine.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return engine.ResourceUsage{}, err
	}

	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	if w.UsageErr != nil {
		return engine.ResourceUsage{}, w.UsageErr
	}

	return w.usage, nil
}

func (w *Worker) OnDied(fn func(error)) {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	w.died = append(w.died, fn)
}

func (w *Worker) Close() {
	w.engine.mu.Lock()
	routers := w.closeLocked()
	w.engine.mu.Unlock()

	for _, r := range routers {
		r.fireClosed()
	}
}

func (w *Worker) Closed() bool {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	return w.closed
}

// closeLocked marks the worker and its routers closed and returns the
// routers whose close hooks still need firing, outside the lock.
func (w *Worker) closeLocked() []*Router {
	if w.closed {
		return nil
	}
	w.closed = true

	var toFire []*Router
	for _, r := range w.routers {
		if r.closeLocked() {
			toFire = append(toFire, r)
		}
	}

	return toFire
}

// SetUsage scripts the next GetResourceUsage answer, in milliseconds.
func (w *Worker) SetUsage(user, system float64) {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	w.usage = engine.ResourceUsage{UserTime: user, SystemTime: system}
}

// Die simulates the worker process dying: everything it hosts closes and
// the died hooks fire with err.
func (w *Worker) Die(err error) {
	w.engine.mu.Lock()
	routers := w.closeLocked()
	hooks := append([]func(error){}, w.died...)
	w.engine.mu.Unlock()

	for _, r := range routers {
		r.fireClosed()
	}
	for _, fn := range hooks {
		fn(err)
	}
}

// Routers returns every router ever created on this worker.
func (w *Worker) Routers() []*Router {
	w.engine.mu.Lock()
	defer w.engine.mu.Unlock()

	return append([]*Router(nil), w.routers...)
}

// Router fakes the per-conference media hub.
type Router struct {
	engine     *Engine
	worker     *Worker
	id         string
	caps       json.RawMessage
	transports []*Transport
	producers  map[string]*Producer
	onClosed   []func()
	closed     bool

	CreateTransportErr error
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts engine.WebRTCTransportOptions) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	if r.CreateTransportErr != nil {
		return nil, r.CreateTransportErr
	}

	id := r.engine.nextID("transport")
	t := &Transport{
		engine: r.engine,
		router: r,
		id:     id,
		ice:    json.RawMessage(fmt.Sprintf(`{"usernameFragment":"uf-%s","password":"pw-%s","iceLite":true}`, id, id)),
		candidates: json.RawMessage(fmt.Sprintf(
			`[{"foundation":"udpcandidate","ip":"127.0.0.1","port":40000,"priority":1076302079,"protocol":"udp","type":"host","transportId":%q}]`, id)),
		dtls: json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"00:11:22"}]}`),
	}
	r.transports = append(r.transports, t)

	return t, nil
}

func (r *Router) OnClosed(fn func()) {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()

	r.onClosed = append(r.onClosed, fn)
}

func (r *Router) Close() {
	r.engine.mu.Lock()
	fire := r.closeLocked()
	r.engine.mu.Unlock()

	if fire {
		r.fireClosed()
	}
}

func (r *Router) Closed() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()

	return r.closed
}

func (r *Router) closeLocked() bool {
	if r.closed {
		return false
	}
	r.closed = true

	for _, t := range r.transports {
		t.closeLocked()
	}

	return true
}

// fireClosed runs the close hooks outside the engine lock so hooks may call
// back into the fake.
func (r *Router) fireClosed() {
	r.engine.mu.Lock()
	hooks := append([]func(){}, r.onClosed...)
	r.onClosed = nil
	r.engine.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Transport fakes one per-direction media path.
type Transport struct {
	engine     *Engine
	router     *Router
	id         string
	ice        json.RawMessage
	candidates json.RawMessage
	dtls       json.RawMessage
	connected  bool
	producers  []*Producer
	consumers  []*Consumer
	closed     bool

	ConnectErr error
	ProduceErr error
	ConsumeErr error
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) ICEParameters() json.RawMessage { return t.ice }

func (t *Transport) ICECandidates() json.RawMessage { return t.candidates }

func (t *Transport) DTLSParameters() json.RawMessage { return t.dtls }

func (t *Transport) SCTPParameters() json.RawMessage { return nil }

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport %s is closed", t.id)
	}
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	if t.connected {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true

	return nil
}

// Connected reports whether Connect succeeded, for assertions.
func (t *Transport) Connected() bool {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	return t.connected
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", opts.Kind)
	}

	p := &Producer{
		engine:        t.engine,
		id:            t.engine.nextID("producer"),
		kind:          opts.Kind,
		rtpParameters: opts.RTPParameters,
		appData:       opts.AppData,
		paused:        opts.Paused,
	}
	t.producers = append(t.producers, p)
	t.router.producers[p.id] = p
	t.engine.producers[p.id] = p

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}

	p, ok := t.router.producers[opts.ProducerID]
	if !ok || p.closed {
		return nil, fmt.Errorf("producer %s not found on router %s", opts.ProducerID, t.router.id)
	}

	c := &Consumer{
		engine:        t.engine,
		id:            t.engine.nextID("consumer"),
		producer:      p,
		kind:          p.kind,
		rtpParameters: p.rtpParameters,
		paused:        opts.Paused,
	}
	t.consumers = append(t.consumers, c)
	p.consumers = append(p.consumers, c)
	t.engine.consumers[c.id] = c

	return c, nil
}

func (t *Transport) Close() {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	t.closeLocked()
}

func (t *Transport) Closed() bool {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()

	return t.closed
}

func (t *Transport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true

	for _, p := range t.producers {
		p.closeLocked()
	}
	for _, c := range t.consumers {
		c.closed = true
	}
}

// Producer fakes an uplink media source.
type Producer struct {
	engine        *Engine
	id            string
	kind          protocol.MediaKind
	rtpParameters json.RawMessage
	appData       map[string]string
	paused        bool
	closed        bool
	consumers     []*Consumer

	PauseErr  error
	ResumeErr error
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() protocol.MediaKind { return p.kind }

func (p *Producer) AppData() map[string]string { return p.appData }

func (p *Producer) Paused() bool {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()

	return p.paused
}

func (p *Producer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()

	if p.PauseErr != nil {
		return p.PauseErr
	}
	if p.closed {
		return fmt.Errorf("producer %s is closed", p.id)
	}
	p.paused = true

	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()

	if p.ResumeErr != nil {
		return p.ResumeErr
	}
	if p.closed {
		return fmt.Errorf("producer %s is closed", p.id)
	}
	p.paused = false

	return nil
}

func (p *Producer) Close() {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()

	p.closeLocked()
}

func (p *Producer) Closed() bool {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()

	return p.closed
}

func (p *Producer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true

	for _, c := range p.consumers {
		c.closed = true
	}
}

// Consumer fakes a downlink subscription.
type Consumer struct {
	engine        *Engine
	id            string
	producer      *Producer
	kind          protocol.MediaKind
	rtpParameters json.RawMessage
	paused        bool
	closed        bool

	PauseErr  error
	ResumeErr error
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Kind() protocol.MediaKind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage { return c.rtpParameters }

func (c *Consumer) Paused() bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	return c.paused
}

func (c *Consumer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	if c.PauseErr != nil {
		return c.PauseErr
	}
	if c.closed {
		return fmt.Errorf("consumer %s is closed", c.id)
	}
	c.paused = true

	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	if c.ResumeErr != nil {
		return c.ResumeErr
	}
	if c.closed {
		return fmt.Errorf("consumer %s is closed", c.id)
	}
	c.paused = false

	return nil
}

func (c *Consumer) Close() {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	c.closed = true
}

func (c *Consumer) Closed() bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	return c.closed
}
