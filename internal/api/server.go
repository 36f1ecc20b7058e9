// Package api implements the HTTP JSON control plane (§6): conference
// and member creation/lookup, backed by a conference.Registry.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tiagolam/confmixer/internal/api/middleware"
	"github.com/tiagolam/confmixer/internal/conference"
	"github.com/tiagolam/confmixer/internal/sdp"
)

// Server wires the control API's routes to a conference registry.
type Server struct {
	router   chi.Router
	registry *conference.Registry
	logger   *slog.Logger
}

// NewServer builds the router for the control API. corsOrigins is passed
// straight through to middleware.CORS.
func NewServer(registry *conference.Registry, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		logger:   logger.With("subsystem", "api"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(corsOrigins))

	r.Post("/convo", s.handlePostConference)
	r.Get("/convo/{convoID}", s.handleGetConference)
	r.Post("/convo/{convoID}/member", s.handlePostMember)
	r.Get("/convo/{convoID}/member/{memberID}", s.handleGetMember)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type conferenceRequest struct {
	ConvoID string `json:"convo_id"`
}

type conferenceResponse struct {
	ConvoID string `json:"convo_id"`
}

// handlePostConference creates (or, idempotently, returns) the conference
// named by the request body.
func (s *Server) handlePostConference(w http.ResponseWriter, r *http.Request) {
	var req conferenceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.ConvoID == "" {
		writeError(w, http.StatusBadRequest, "convo_id must not be empty")
		return
	}

	c := s.registry.GetOrCreate(req.ConvoID)
	writeJSON(w, http.StatusOK, conferenceResponse{ConvoID: c.ID})
}

// handleGetConference looks up a conference by id.
func (s *Server) handleGetConference(w http.ResponseWriter, r *http.Request) {
	convoID := chi.URLParam(r, "convoID")

	c, ok := s.registry.Get(convoID)
	if !ok {
		writeError(w, http.StatusNotFound, "conference not found")
		return
	}
	writeJSON(w, http.StatusOK, conferenceResponse{ConvoID: c.ID})
}

type memberRequest struct {
	SDP string `json:"sdp"`
}

type memberResponse struct {
	MemberID string `json:"member_id"`
	SDP      string `json:"sdp"`
}

// handlePostMember negotiates a new member's offer against the
// conference's base SDP and binds its media.
func (s *Server) handlePostMember(w http.ResponseWriter, r *http.Request) {
	convoID := chi.URLParam(r, "convoID")

	c, ok := s.registry.Get(convoID)
	if !ok {
		writeError(w, http.StatusNotFound, "conference not found")
		return
	}

	var req memberRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	offer, err := sdp.Parse([]byte(req.SDP))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed sdp: "+err.Error())
		return
	}

	m, err := c.AddMember(offer)
	if err != nil {
		s.logger.Error("failed to add member", "conference_id", convoID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to bind member")
		return
	}

	writeJSON(w, http.StatusOK, memberResponse{
		MemberID: m.ID,
		SDP:      string(m.AnswerSDP().Marshal()),
	})
}

// handleGetMember looks up a member within a conference by id.
func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	convoID := chi.URLParam(r, "convoID")
	memberID := chi.URLParam(r, "memberID")

	c, ok := s.registry.Get(convoID)
	if !ok {
		writeError(w, http.StatusNotFound, "conference not found")
		return
	}

	m, ok := c.GetMember(memberID)
	if !ok {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	writeJSON(w, http.StatusOK, memberResponse{
		MemberID: m.ID,
		SDP:      string(m.AnswerSDP().Marshal()),
	})
}
