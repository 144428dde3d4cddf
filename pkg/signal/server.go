// Package signal is the session dispatcher: it accepts websocket sessions,
// maps wire requests onto registry and conference operations, acknowledges
// every request and fans lifecycle broadcasts out to conference rooms. The
// disconnect path runs the same cleanup whether the client left politely or
// the TCP connection just died.
package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/routing"
	"github.com/weir-sfu/weir/pkg/telemetry"
)

// Config tunes the session layer.
type Config struct {
	// RequestTimeout bounds the handling of one request, engine calls
	// included.
	RequestTimeout time.Duration
	// PingInterval is how long a session may stay idle before it is pinged.
	PingInterval time.Duration
	// PingTimeout bounds one ping round trip and one frame write.
	PingTimeout time.Duration
	// WriteQueueSize is the per-session push queue; overflow drops frames.
	WriteQueueSize int
}

// Server owns every live session and every conference room. It implements
// routing.Broadcaster so the registry can announce conference destruction
// without knowing anything about websockets.
type Server struct {
	config   Config
	registry *routing.Registry
	bus      *events.Bus
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]*room
	closed   bool
	wg       sync.WaitGroup

	// orders holds one mutex per conference id; see withCommitOrder.
	orders *xsync.Map[string, *sync.Mutex]

	logger *logrus.Entry
}

func NewServer(registry *routing.Registry, bus *events.Bus, metrics *telemetry.Metrics, config Config) *Server {
	s := &Server{
		config:   config,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*room),
		orders:   xsync.NewMap[string, *sync.Mutex](),
		logger:   logrus.WithField("component", "signal"),
	}
	registry.SetBroadcaster(s)

	return s
}

// Handler returns the websocket accept endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWebsocket)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket accept failed")
		return
	}

	sessionID := uuid.NewString()
	logger := s.logger.WithField("session_id", sessionID)
	session := newSession(sessionID, conn, s.config, logger, func() {
		s.metrics.BroadcastsDropped.Inc()
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		session.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.sessions[sessionID] = session
	s.wg.Add(1)
	s.mu.Unlock()

	logger.Info("session connected")
	s.bus.Publish(events.Event{Type: events.ClientConnected, SessionID: sessionID})

	// The read loop runs on the HTTP handler's goroutine; the handler
	// returns only when the session is done, and cleanup has run by then.
	s.readLoop(session)
}

func (s *Server) readLoop(session *Session) {
	defer s.wg.Done()
	dispatcher := &dispatcher{server: s, registry: s.registry, bus: s.bus, metrics: s.metrics}

	for {
		_, frame, err := session.conn.Read(session.ctx)
		if err != nil {
			session.logger.WithError(err).Debug("session read ended")
			break
		}

		var request protocol.Request
		if err := json.Unmarshal(frame, &request); err != nil {
			session.logger.WithError(err).Warn("ignoring unparseable frame")
			continue
		}

		response := dispatcher.dispatch(session, request)
		ack, err := json.Marshal(response)
		if err != nil {
			session.logger.WithError(err).Error("failed to encode acknowledgement")
			continue
		}
		if err := session.WriteAck(ack, s.config.PingTimeout); err != nil {
			session.logger.WithError(err).Debug("ack write failed")
			break
		}
	}

	s.disconnect(session)
}

// disconnect runs the full cleanup for a session that is gone: leave the
// conference, tell the room, forget the session. It must complete no matter
// why the session ended, so it never inherits a cancellable context.
func (s *Server) disconnect(session *Session) {
	session.Close(websocket.StatusNormalClosure, "")

	// The binding is read first so the leave commit and its announcements
	// run under the conference's commit order. The session's read loop is
	// gone, so nothing can rebind it concurrently.
	if binding, ok := s.registry.BindingOf(session.id); ok {
		s.withCommitOrder(binding.ConferenceID, func() {
			if result := s.registry.LeaveBySession(session.id); result != nil {
				s.announceLeave(session.id, result)
			}
		})
	}

	s.mu.Lock()
	delete(s.sessions, session.id)
	for id, r := range s.rooms {
		if r.remove(session.id) {
			delete(s.rooms, id)
		}
	}
	s.mu.Unlock()

	session.logger.Info("session disconnected")
	s.bus.Publish(events.Event{Type: events.ClientDisconnected, SessionID: session.id})
}

// announceLeave tells the leaver's room who left and which producers and
// consumers died with them, one broadcast per resource after the summary.
func (s *Server) announceLeave(sessionID string, result *routing.LeaveResult) {
	s.broadcastExcept(result.ConferenceID, protocol.ParticipantLeft{
		ParticipantID:     result.ParticipantID,
		ClosedProducerIDs: result.Exit.ClosedProducerIDs(),
		ClosedConsumerIDs: result.Exit.ClosedConsumerIDs,
	}, sessionID)

	for _, closed := range result.Exit.ClosedProducers {
		s.broadcastExcept(result.ConferenceID, closed, sessionID)
		s.bus.Publish(events.Event{
			Type:          events.ProducerClosed,
			ConferenceID:  result.ConferenceID,
			ParticipantID: result.ParticipantID,
			ResourceID:    closed.ProducerID,
			Kind:          closed.Kind,
		})
	}
	for _, consumerID := range result.Exit.ClosedConsumerIDs {
		s.broadcastExcept(result.ConferenceID, protocol.ConsumerClosed{
			ParticipantID: result.ParticipantID,
			ConsumerID:    consumerID,
		}, sessionID)
		s.bus.Publish(events.Event{
			Type:          events.ConsumerClosed,
			ConferenceID:  result.ConferenceID,
			ParticipantID: result.ParticipantID,
			ResourceID:    consumerID,
		})
	}

	s.leaveRoom(result.ConferenceID, sessionID)
}

// Broadcast implements routing.Broadcaster: no originator, everyone in the
// room receives the event.
func (s *Server) Broadcast(conferenceID string, event protocol.Broadcast) {
	s.withCommitOrder(conferenceID, func() {
		s.broadcastExcept(conferenceID, event, "")
	})
}

// DropRoom implements routing.Broadcaster: the conference is gone, its
// broadcast group dissolves no matter which of its sessions are still
// connected.
func (s *Server) DropRoom(conferenceID string) {
	s.mu.Lock()
	delete(s.rooms, conferenceID)
	s.mu.Unlock()

	s.orders.Delete(conferenceID)
}

// withCommitOrder runs fn holding the conference's ordering lock. A state
// change and the enqueue of its announcement form one step under that lock,
// so the fanout order every room member sees matches the order the changes
// committed in.
func (s *Server) withCommitOrder(conferenceID string, fn func()) {
	mu, _ := s.orders.LoadOrStore(conferenceID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	fn()
}

func (s *Server) broadcastExcept(conferenceID string, event protocol.Broadcast, exceptSessionID string) {
	s.mu.Lock()
	r := s.rooms[conferenceID]
	s.mu.Unlock()

	if r == nil {
		return
	}

	s.metrics.BroadcastsTotal.WithLabelValues(event.BroadcastType()).Inc()
	r.broadcast(event, exceptSessionID, s.logger.WithField("conf_id", conferenceID))
}

func (s *Server) joinRoom(conferenceID string, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[conferenceID]
	if !ok {
		r = newRoom()
		s.rooms[conferenceID] = r
	}
	r.add(session)
}

func (s *Server) leaveRoom(conferenceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[conferenceID]; ok && r.remove(sessionID) {
		delete(s.rooms, conferenceID)
	}
}

// CloseSession force-closes one session, e.g. an admin kick. The close
// unblocks the session's read loop, which then runs the normal leave path.
// Returns false when the session is unknown.
func (s *Server) CloseSession(sessionID, reason string) bool {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok {
		return false
	}

	session.Close(websocket.StatusPolicyViolation, reason)

	return true
}

// SessionCount reports how many sessions are currently connected.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Close stops accepting, closes every session and waits for their cleanup
// to finish, which empties the registry through the normal leave path.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
}
