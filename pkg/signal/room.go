package signal

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// room is the broadcast group of one conference: every session whose
// participant is currently joined. Fanout order is fixed under the room
// lock, so two broadcasts committed one after the other reach every member
// in that order.
type room struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRoom() *room {
	return &room{sessions: make(map[string]*Session)}
}

func (r *room) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.id] = s
}

// remove returns true when the room is empty afterwards.
func (r *room) remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)

	return len(r.sessions) == 0
}

// broadcast encodes the event once and enqueues it to every member except
// the originator. Enqueueing is non-blocking per member.
func (r *room) broadcast(event protocol.Broadcast, exceptSessionID string, logger *logrus.Entry) {
	frame, err := protocol.EncodePush(event)
	if err != nil {
		logger.WithError(err).Error("failed to encode broadcast")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if id == exceptSessionID {
			continue
		}
		s.Push(frame)
	}

	logger.WithFields(logrus.Fields{
		"event":      event.BroadcastType(),
		"recipients": len(r.sessions),
	}).Debug("broadcast fanned out")
}
