package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelai/synapse/internal/config"
	"github.com/kestrelai/synapse/internal/memory"
	"github.com/kestrelai/synapse/internal/orchestrate"
	"github.com/kestrelai/synapse/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("api: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

// --- POST /api/sessions/create ---

type panelistSpec struct {
	PersonaID     string         `json:"persona_id"`
	CustomPersona *config.Persona `json:"custom_persona"`
	ModelID       string         `json:"model_id"`
}

type createSessionRequest struct {
	Mission        string          `json:"mission"`
	SelectedModels []string        `json:"selected_models"`
	Panelists      []panelistSpec  `json:"panelists"`
}

type panelistResponse struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type sessionResponse struct {
	SessionID string             `json:"session_id"`
	Mission   string             `json:"mission"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Active    bool               `json:"active"`
	Panelists []panelistResponse `json:"panelists"`
}

func toSessionResponse(sess *session.Session) sessionResponse {
	panelists := make([]panelistResponse, len(sess.Panelists))
	for i, p := range sess.Panelists {
		panelists[i] = panelistResponse{ID: p.ID, Role: p.DisplayName}
	}
	return sessionResponse{
		SessionID: sess.ID,
		Mission:   sess.Mission,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.LastUpdated(),
		Active:    sess.IsActive(),
		Panelists: panelists,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mission == "" {
		writeError(w, http.StatusBadRequest, "mission is required")
		return
	}

	var specs []session.PersonaSpec
	for _, m := range req.SelectedModels {
		id := config.CanonicalModelIdentifier(m)
		specs = append(specs, session.PersonaSpec{ID: id, DefaultID: id})
	}
	for i, p := range req.Panelists {
		spec := session.PersonaSpec{DefaultID: p.PersonaID, Inline: p.CustomPersona}
		spec.ID = p.ModelID
		if spec.ID == "" {
			spec.ID = p.PersonaID
		}
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("panelist-%d", i)
		}
		specs = append(specs, spec)
	}

	if len(specs) < 2 || len(specs) > 6 {
		writeError(w, http.StatusBadRequest, "panel size must be between 2 and 6 models")
		return
	}

	sess, err := s.mgr.CreateSession(r.Context(), session.CreateSessionRequest{
		Mission:   req.Mission,
		Panelists: specs,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.metrics.SessionsActive.Add(r.Context(), 1)
	sess.Memory.Subscribe(func(kind memory.EventKind, payload any) {
		if kind != memory.EventSynapseDetected {
			return
		}
		if conn, ok := payload.(memory.SynapseConnection); ok {
			s.metrics.RecordSynapseDetection(context.Background(), string(conn.Kind))
		}
	})

	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// --- GET /api/chat/{sid}/status ---

type statusResponse struct {
	SessionID string            `json:"session_id"`
	States    map[string]string `json:"states"`
	Stats     memory.Stats      `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, err := s.mgr.LookupSession(r.Context(), sid)
	if err != nil {
		writeSessionErr(w, err)
		return
	}

	states := sess.Orchestrator.ParticipantStates()
	strStates := make(map[string]string, len(states))
	for k, v := range states {
		strStates[k] = string(v)
	}

	writeJSON(w, http.StatusOK, statusResponse{
		SessionID: sid,
		States:    strStates,
		Stats:     sess.Memory.Stats(),
	})
}

// --- GET /api/chat/{sid}/synapse-events ---

func (s *Server) handleSynapseEvents(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, err := s.mgr.LookupSession(r.Context(), sid)
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	snap := sess.Memory.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"synapses": snap.Synapses,
		"events":   snap.Events,
	})
}

// --- GET /api/sessions/ ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.mgr.ListActiveSessions()
	out := make([]sessionResponse, len(sessions))
	for i, sess := range sessions {
		out[i] = toSessionResponse(sess)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// --- GET /api/sessions/{sid} ---

const detailMessageLimit = 50

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, err := s.mgr.LookupSession(r.Context(), sid)
	if err != nil {
		writeSessionErr(w, err)
		return
	}

	snap := sess.Memory.Snapshot()
	messages := snap.Messages
	if len(messages) > detailMessageLimit {
		messages = messages[len(messages)-detailMessageLimit:]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":  toSessionResponse(sess),
		"messages": messages,
	})
}

// --- PUT /api/sessions/{sid}/end ---

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	if err := s.mgr.EndSession(r.Context(), sid); err != nil {
		writeSessionErr(w, err)
		return
	}
	s.metrics.SessionsActive.Add(r.Context(), -1)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sid, "status": "ended"})
}

// --- GET /api/panels/available-models ---

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	var available map[string]config.Persona
	err := s.modelsBreaker.Execute(func() error {
		available = make(map[string]config.Persona)
		for id, p := range s.mgr.AvailableModels() {
			if _, ok := config.APIKeyFor(p.Provider); ok {
				available[id] = p
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "model availability check is temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": available})
}

// --- GET /api/panels/presets ---

type preset struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// presetCatalog lists the curated panel presets surfaced to clients. Each
// is filtered down to the models the deployment currently has credentials
// for before being returned.
var presetCatalog = []preset{
	{Name: "balanced", Models: []string{"gpt-4o", "claude-3.5", "gemini-1.5"}},
	{Name: "fast-pair", Models: []string{"gpt-4o", "claude-3.5"}},
	{Name: "full-panel", Models: []string{"gpt-4o", "claude-3.5", "gemini-1.5", "gpt-4", "claude-3", "gemini-2.0"}},
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	known := s.mgr.AvailableModels()

	var out []preset
	for _, p := range presetCatalog {
		var filtered []string
		for _, m := range p.Models {
			if _, ok := known[m]; ok {
				if _, hasKey := config.APIKeyFor(known[m].Provider); hasKey {
					filtered = append(filtered, m)
				}
			}
		}
		if len(filtered) >= 2 {
			out = append(out, preset{Name: p.Name, Models: filtered})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

// --- POST /api/panels/validate ---

type validateRequest struct {
	Models []string `json:"models"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleValidatePanel(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Models) < 2 {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "At least 2 models required for collaboration"})
		return
	}
	if len(req.Models) > 6 {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "At most 6 models allowed for collaboration"})
		return
	}

	known := s.mgr.AvailableModels()
	var unknown []string
	for _, m := range req.Models {
		if _, ok := known[m]; !ok {
			unknown = append(unknown, m)
		}
	}
	if len(unknown) > 0 {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: fmt.Sprintf("unknown model(s): %v", unknown)})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

// --- GET /api/chat/{sid}/stream ---

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	message := r.URL.Query().Get("message")
	if message == "" {
		writeError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	sess, err := s.mgr.LookupSession(r.Context(), sid)
	if err != nil {
		writeSessionErr(w, err)
		return
	}
	if !sess.IsActive() {
		writeError(w, http.StatusConflict, "session is no longer active")
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sw.Send("connected", map[string]any{"session_id": sid, "message": message})

	events, err := sess.Orchestrator.Run(r.Context(), message)
	if err != nil {
		sw.Send("error", map[string]any{"error": err.Error(), "session_id": sid})
		return
	}

	s.metrics.ParticipantsActive.Add(r.Context(), int64(len(sess.Panelists)))
	defer s.metrics.ParticipantsActive.Add(context.Background(), -int64(len(sess.Panelists)))

	streamStart := make(map[string]time.Time, len(sess.Panelists))
	lastChunk := make(map[string]time.Time, len(sess.Panelists))

	for ev := range events {
		switch ev.Kind {
		case orchestrate.EventChunk:
			now := time.Now()
			if _, ok := streamStart[ev.ParticipantID]; !ok {
				streamStart[ev.ParticipantID] = now
			} else {
				s.metrics.StreamChunkDuration.Record(r.Context(), now.Sub(lastChunk[ev.ParticipantID]).Seconds())
			}
			lastChunk[ev.ParticipantID] = now

			payload := map[string]any{
				"model":    ev.ParticipantID,
				"content":  ev.Content,
				"type":     "response",
				"complete": false,
			}
			if ev.SynapseHintID != "" {
				payload["synapse"] = map[string]any{"detected": true, "building_on": ev.SynapseHintID}
			}
			sw.Send("response", payload)
		case orchestrate.EventComplete:
			if start, ok := streamStart[ev.ParticipantID]; ok {
				s.metrics.ProviderStreamDuration.Record(r.Context(), time.Since(start).Seconds())
			}
			s.metrics.RecordProviderRequest(r.Context(), ev.ParticipantID, "ok")
			sw.Send("model_complete", map[string]any{"model": ev.ParticipantID, "timestamp": time.Now()})
		case orchestrate.EventSystem:
			if failed, ok := ev.Metadata["participant"].(string); ok {
				s.metrics.RecordProviderError(r.Context(), failed)
			}
			sw.Send("response", map[string]any{
				"model":    ev.ParticipantID,
				"content":  ev.Content,
				"type":     "system",
				"complete": true,
				"metadata": ev.Metadata,
			})
		}
	}

	stats, _ := s.mgr.Stats(sid)
	sw.Send("all_complete", map[string]any{"session_id": sid, "stats": stats})
}

func writeSessionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
