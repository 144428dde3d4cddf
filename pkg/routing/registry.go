// Package routing holds the process-wide registry: every conference by id
// and every session's binding to its conference and participant. Join-or-
// create, the periodic sweep and worker-death recovery all live here, under
// one mutex, so membership changes are strictly serialized.
package routing

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/conference"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/engine/pool"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Broadcaster fans a server-initiated event out to every session in a
// conference room. The signal server implements it; the registry uses it for
// events that have no originating request, conference destruction above all.
// DropRoom dissolves a conference's room outright: once the conference is
// gone, its sessions must not keep hearing a later conference that reuses
// the id.
type Broadcaster interface {
	Broadcast(conferenceID string, event protocol.Broadcast)
	DropRoom(conferenceID string)
}

// Binding ties one session to the participant it controls.
type Binding struct {
	ConferenceID  string
	ParticipantID string
}

// Registry indexes conferences by id and sessions by their binding. The
// invariant it maintains: every binding points at an existing conference
// that contains the bound participant.
type Registry struct {
	mu sync.Mutex

	pool   *pool.Pool
	bus    *events.Bus
	config conference.Config

	conferences map[string]*conference.Conference
	sessions    map[string]Binding

	broadcaster Broadcaster
	logger      *logrus.Entry
}

func New(p *pool.Pool, bus *events.Bus, config conference.Config) *Registry {
	r := &Registry{
		pool:        p,
		bus:         bus,
		config:      config,
		conferences: make(map[string]*conference.Conference),
		sessions:    make(map[string]Binding),
		logger:      logrus.WithField("component", "registry"),
	}

	p.OnWorkerDied(func(worker engine.Worker, err error) {
		r.HandleWorkerDeath(worker.Pid())
	})

	return r
}

// SetBroadcaster wires the room fanout in. Without one, destruction events
// are only logged; everything else still works, which is what the tests use.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcaster = b
}

// JoinResult is everything the dispatcher needs after a successful join.
type JoinResult struct {
	RouterCapabilities json.RawMessage
	// Created is set when this join brought the conference into existence.
	Created bool
	// Rejoined is set when the same session joined the same participant
	// again; nothing changed and nothing must be broadcast.
	Rejoined bool
	Announce protocol.ParticipantJoined
}

// JoinConference implements join-or-create. The whole sequence, placement
// included, runs under the registry lock: two sessions racing to create the
// same conference must end up in one conference, not two.
//
// A repeated join of the same (conference, participant) by the same session
// is idempotent and returns the same capabilities. The same participant id
// claimed by a different live session is refused.
func (r *Registry) JoinConference(ctx context.Context, data protocol.JoinConferenceData, sessionID string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if binding, ok := r.sessions[sessionID]; ok {
		if binding.ConferenceID == data.ConferenceID && binding.ParticipantID == data.ParticipantID {
			conf := r.conferences[binding.ConferenceID]
			return JoinResult{RouterCapabilities: conf.RouterCapabilities(), Rejoined: true}, nil
		}

		return JoinResult{}, protocol.Validationf(
			"session is already joined to conference %s as %s", binding.ConferenceID, binding.ParticipantID)
	}

	conf, ok := r.conferences[data.ConferenceID]
	created := false
	if !ok {
		worker, router, err := r.pool.PlaceConference(ctx)
		if err != nil {
			return JoinResult{}, err
		}

		conf = conference.New(ctx, data.ConferenceID, data.ConferenceName, worker, router, r.config)
		r.conferences[data.ConferenceID] = conf
		created = true

		r.logger.WithFields(logrus.Fields{
			"conf_id":    data.ConferenceID,
			"worker_pid": worker.Pid(),
		}).Info("conference created")
		r.bus.Publish(events.Event{Type: events.ConferenceCreated, ConferenceID: data.ConferenceID})
	} else if _, taken := conf.SessionOf(data.ParticipantID); taken {
		return JoinResult{}, protocol.Validationf("participant id %s already in use", data.ParticipantID)
	}

	announce, err := conf.JoinParticipant(data.ParticipantID, data.ParticipantName, sessionID, data.ParticipantInfo)
	if err != nil {
		if created {
			delete(r.conferences, data.ConferenceID)
			conf.Close()
		}

		return JoinResult{}, err
	}

	r.sessions[sessionID] = Binding{ConferenceID: data.ConferenceID, ParticipantID: data.ParticipantID}
	r.bus.Publish(events.Event{
		Type:          events.ParticipantJoined,
		SessionID:     sessionID,
		ConferenceID:  data.ConferenceID,
		ParticipantID: data.ParticipantID,
	})

	return JoinResult{
		RouterCapabilities: conf.RouterCapabilities(),
		Created:            created,
		Announce:           announce,
	}, nil
}

// LeaveResult describes a completed leave, with everything the dispatcher
// broadcasts to the room the leaver just left.
type LeaveResult struct {
	ConferenceID  string
	ParticipantID string
	Exit          conference.MemberExit
}

// LeaveBySession removes whatever participant the session controls. Nil
// result means the session was not joined anywhere, which makes repeated
// disconnect cleanup a no-op.
func (r *Registry) LeaveBySession(sessionID string) *LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(sessionID)
}

// Leave handles an explicit leaveConference request. Idempotent: a session
// that is not joined as the named participant gets a nil result, not an
// error, so retries always ack ok.
func (r *Registry) Leave(conferenceID, participantID, sessionID string) *LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.sessions[sessionID]
	if !ok || binding.ConferenceID != conferenceID || binding.ParticipantID != participantID {
		return nil
	}

	return r.leaveLocked(sessionID)
}

func (r *Registry) leaveLocked(sessionID string) *LeaveResult {
	binding, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)

	conf, ok := r.conferences[binding.ConferenceID]
	if !ok {
		return nil
	}

	exit, err := conf.RemoveParticipant(binding.ParticipantID)
	if err != nil {
		// The binding pointed at a participant the conference no longer
		// has; nothing to clean, nothing to announce.
		r.logger.WithField("session_id", sessionID).WithError(err).Warn("stale session binding")
		return nil
	}

	r.bus.Publish(events.Event{
		Type:          events.ParticipantLeft,
		SessionID:     sessionID,
		ConferenceID:  binding.ConferenceID,
		ParticipantID: binding.ParticipantID,
	})

	// The conference stays, even when now empty; the sweep collects it.
	// Destroying it here would make quick leave-rejoin churn thrash
	// routers.
	return &LeaveResult{
		ConferenceID:  binding.ConferenceID,
		ParticipantID: binding.ParticipantID,
		Exit:          exit,
	}
}

// BindingOf returns the session's binding.
func (r *Registry) BindingOf(sessionID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, ok := r.sessions[sessionID]

	return binding, ok
}

// SessionFor finds the session currently bound to a participant.
func (r *Registry) SessionFor(conferenceID, participantID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.conferences[conferenceID]
	if !ok {
		return "", false
	}

	return conf.SessionOf(participantID)
}

// Conference looks a conference up by id.
func (r *Registry) Conference(id string) (*conference.Conference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.conferences[id]
	if !ok {
		return nil, protocol.NotFoundf("conference %s not found", id)
	}

	return conf, nil
}

// Conferences lists every conference, ordered by id.
func (r *Registry) Conferences() []*conference.Conference {
	r.mu.Lock()
	defer r.mu.Unlock()

	confs := maps.Values(r.conferences)
	slices.SortFunc(confs, func(a, b *conference.Conference) int {
		return strings.Compare(a.ID(), b.ID())
	})

	return confs
}

// Sweep destroys conferences that are done for: empty ones, and ones whose
// router the engine has reported closed behind our back. Runs on the
// periodic timer.
func (r *Registry) Sweep(ctx context.Context) (removed int) {
	r.mu.Lock()

	var destroyed []protocol.ConferenceDestroyed
	for id, conf := range r.conferences {
		switch {
		case conf.IsEmpty():
			delete(r.conferences, id)
			conf.Close()
			r.logger.WithField("conf_id", id).Info("swept empty conference")
			r.bus.Publish(events.Event{Type: events.ConferenceDestroyed, ConferenceID: id})
			removed++
		case conf.RouterClosed():
			destroyed = append(destroyed, r.destroyLocked(conf, protocol.DestroyReasonRouterClosed))
			removed++
		}
	}
	b := r.broadcaster
	r.mu.Unlock()

	announceDestroyed(b, destroyed)

	return removed
}

// HandleWorkerDeath destroys every conference placed on the dead worker and
// tells their members. Wired to the pool's death hook at construction.
func (r *Registry) HandleWorkerDeath(pid int) {
	r.mu.Lock()

	var destroyed []protocol.ConferenceDestroyed
	for _, conf := range r.conferences {
		if conf.WorkerPid() == pid {
			conf.MarkBroken(protocol.DestroyReasonWorkerDied)
			destroyed = append(destroyed, r.destroyLocked(conf, protocol.DestroyReasonWorkerDied))
		}
	}
	b := r.broadcaster
	r.mu.Unlock()

	announceDestroyed(b, destroyed)
}

// DestroyConference force-removes a conference, members and all. The admin
// surface calls it after kicking the members' sessions.
func (r *Registry) DestroyConference(id, reason string) error {
	r.mu.Lock()

	conf, ok := r.conferences[id]
	if !ok {
		r.mu.Unlock()
		return protocol.NotFoundf("conference %s not found", id)
	}

	destroyed := r.destroyLocked(conf, reason)
	b := r.broadcaster
	r.mu.Unlock()

	announceDestroyed(b, []protocol.ConferenceDestroyed{destroyed})

	return nil
}

// destroyLocked removes a conference that still has members: bindings are
// dropped and the engine side is closed. It returns the announcement for the
// caller to fan out after the registry lock is released; broadcasting under
// the lock would nest the room locks inside it.
func (r *Registry) destroyLocked(conf *conference.Conference, reason string) protocol.ConferenceDestroyed {
	id := conf.ID()
	delete(r.conferences, id)

	for sessionID, binding := range r.sessions {
		if binding.ConferenceID == id {
			delete(r.sessions, sessionID)
		}
	}

	conf.Close()
	r.logger.WithFields(logrus.Fields{"conf_id": id, "reason": reason}).Warn("conference destroyed")
	r.bus.Publish(events.Event{Type: events.ConferenceDestroyed, ConferenceID: id})

	return protocol.ConferenceDestroyed{ConferenceID: id, Reason: reason}
}

// announceDestroyed tells each destroyed conference's room and then drops
// the room, so its sessions stop receiving anything addressed to that
// conference id.
func announceDestroyed(b Broadcaster, destroyed []protocol.ConferenceDestroyed) {
	if b == nil {
		return
	}

	for _, ev := range destroyed {
		b.Broadcast(ev.ConferenceID, ev)
		b.DropRoom(ev.ConferenceID)
	}
}

// Stats is the registry's contribution to the admin stats endpoint.
type Stats struct {
	Conferences  int `json:"conferences"`
	Participants int `json:"participants"`
	Sessions     int `json:"sessions"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Conferences: len(r.conferences), Sessions: len(r.sessions)}
	for _, conf := range r.conferences {
		stats.Participants += conf.ParticipantCount()
	}

	return stats
}

// Close tears every conference down, for shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	confs := maps.Values(r.conferences)
	r.conferences = make(map[string]*conference.Conference)
	r.sessions = make(map[string]Binding)
	r.mu.Unlock()

	for _, conf := range confs {
		conf.Close()
	}
}
