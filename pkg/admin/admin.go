// Package admin is the operator-facing HTTP surface: read-only listings and
// stats, plus kick and close operations. Kicks go through the session layer,
// so a kicked client is cleaned up by the exact same path as one whose
// connection dropped.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/engine/pool"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
	"github.com/weir-sfu/weir/pkg/routing"
)

// SessionCloser force-closes one signaling session. Implemented by the
// signal server; closing triggers the session's normal leave path.
type SessionCloser interface {
	CloseSession(sessionID, reason string) bool
}

type Service struct {
	registry *routing.Registry
	pool     *pool.Pool
	bus      *events.Bus
	sessions SessionCloser
	started  time.Time
	logger   *logrus.Entry
}

func NewService(registry *routing.Registry, p *pool.Pool, bus *events.Bus, sessions SessionCloser) *Service {
	return &Service{
		registry: registry,
		pool:     p,
		bus:      bus,
		sessions: sessions,
		started:  time.Now(),
		logger:   logrus.WithField("component", "admin"),
	}
}

// ConferenceSummary is one row of the conference listing.
type ConferenceSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	WorkerPid    int       `json:"workerPid"`
	Participants int       `json:"participants"`
}

// StatsResponse aggregates the server's runtime counters.
type StatsResponse struct {
	Registry       routing.Stats      `json:"registry"`
	Workers        []pool.WorkerStats `json:"workers"`
	BusSubscribers int                `json:"busSubscribers"`
	BusDropped     uint64             `json:"busDropped"`
	UptimeSeconds  int64              `json:"uptimeSeconds"`
}

// Handler builds the admin API router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/conferences", s.listConferences)
		r.Get("/conferences/{id}/participants", s.listParticipants)
		r.Get("/stats", s.getStats)
		r.Delete("/conferences/{id}", s.closeConference)
		r.Delete("/conferences/{id}/participants/{participantId}", s.kickParticipant)
	})

	return r
}

func (s *Service) listConferences(w http.ResponseWriter, _ *http.Request) {
	conferences := s.registry.Conferences()
	summaries := make([]ConferenceSummary, 0, len(conferences))
	for _, conf := range conferences {
		summaries = append(summaries, ConferenceSummary{
			ID:           conf.ID(),
			Name:         conf.Name(),
			CreatedAt:    conf.CreatedAt(),
			WorkerPid:    conf.WorkerPid(),
			Participants: conf.ParticipantCount(),
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Service) listParticipants(w http.ResponseWriter, r *http.Request) {
	conf, err := s.registry.Conference(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conf.Snapshots())
}

func (s *Service) getStats(w http.ResponseWriter, _ *http.Request) {
	busStats := s.bus.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Registry:       s.registry.Stats(),
		Workers:        s.pool.Stats(),
		BusSubscribers: busStats.Subscribers,
		BusDropped:     busStats.Dropped,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	})
}

// closeConference kicks every member and then deletes the conference. The
// destroy broadcast goes out before the kicks, while the members can still
// receive it.
func (s *Service) closeConference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := kickReason(r, "conference closed by admin")

	conf, err := s.registry.Conference(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var kicked int
	for _, entry := range conf.Snapshots() {
		if sessionID, ok := s.registry.SessionFor(id, entry.ParticipantID); ok {
			if s.sessions.CloseSession(sessionID, reason) {
				kicked++
			}
		}
	}

	if err := s.registry.DestroyConference(id, protocol.DestroyReasonAdminClosed); err != nil {
		writeError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{"conf_id": id, "kicked": kicked, "reason": reason}).
		Info("conference closed by admin")
	writeJSON(w, http.StatusOK, map[string]any{"kicked": kicked})
}

func (s *Service) kickParticipant(w http.ResponseWriter, r *http.Request) {
	conferenceID := chi.URLParam(r, "id")
	participantID := chi.URLParam(r, "participantId")
	reason := kickReason(r, "kicked by admin")

	sessionID, ok := s.registry.SessionFor(conferenceID, participantID)
	if !ok {
		writeError(w, protocol.NotFoundf("participant %s not found in conference %s", participantID, conferenceID))
		return
	}

	// Closing the session is all it takes: the session's read loop ends
	// and runs the same cleanup as any disconnect.
	if !s.sessions.CloseSession(sessionID, reason) {
		writeError(w, protocol.NotFoundf("session for participant %s is already gone", participantID))
		return
	}

	s.logger.WithFields(logrus.Fields{
		"conf_id":        conferenceID,
		"participant_id": participantID,
		"reason":         reason,
	}).Info("participant kicked by admin")
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID})
}

func kickReason(r *http.Request, fallback string) string {
	if reason := r.URL.Query().Get("reason"); reason != "" {
		return reason
	}

	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch protocol.KindOf(err) {
	case protocol.KindNotFound:
		status = http.StatusNotFound
	case protocol.KindValidation:
		status = http.StatusBadRequest
	case protocol.KindLimitExceeded, protocol.KindPreconditionFailed:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
