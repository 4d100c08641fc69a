package devserver

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/artifacts"
	"github.com/go-go-golems/borak/pkg/chat"
	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	id, err := s.store.CreateSession(r.Context(), userID(r.Context()), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, more, err := s.store.ListSessions(r.Context(), chatstore.SessionQuery{
		UserID: userID(r.Context()),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 20),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "has_more": more})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sess, err := s.store.Session(r.Context(), userID(r.Context()), id)
	if s.notFound(w, err, "Session not found") {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &body) {
		return
	}
	err := s.store.RenameSession(r.Context(), userID(r.Context()), id, body.Name)
	if s.notFound(w, err, "Session not found") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	uid := userID(r.Context())
	s.gens.cancel(uid, id)
	err := s.store.DeleteSession(r.Context(), uid, id)
	if s.notFound(w, err, "Session not found") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// notFound writes the response for a failed store call and reports whether it did.
func (s *Server) notFound(w http.ResponseWriter, err error, detail string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, chatstore.ErrNotFound):
		writeDetail(w, http.StatusNotFound, detail)
	default:
		writeError(w, err)
	}
	return true
}

// sessionParam reads the optional session_id query; without one the most recent session is used.
func (s *Server) sessionParam(r *http.Request) (int64, error) {
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		return chatstore.ParseSessionID(chat.SessionID(raw))
	}
	recent, _, err := s.store.ListSessions(r.Context(), chatstore.SessionQuery{UserID: userID(r.Context()), Limit: 1})
	if err != nil || len(recent) == 0 {
		return 0, err
	}
	return chatstore.ParseSessionID(recent[0].ID)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionParam(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	msgs := []chat.Message{}
	if sid > 0 {
		msgs, err = s.store.History(r.Context(), userID(r.Context()), sid, historyWindow)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sid, err := s.sessionParam(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	uid := userID(r.Context())
	if sid > 0 {
		if err := s.store.ClearHistory(r.Context(), uid, sid); err != nil {
			writeError(w, err)
			return
		}
	}
	s.gens.cancelUser(uid)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func group(items []chat.Artifact) chat.ArtifactSet {
	set := chat.ArtifactSet{}
	for _, t := range chat.ArtifactTypes {
		set[t] = []chat.Artifact{}
	}
	for _, a := range items {
		set[a.Type] = append(set[a.Type], a)
	}
	return set
}

func (s *Server) handleSessionArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := s.store.SessionArtifacts(r.Context(), userID(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group(items))
}

func (s *Server) handleUserArtifacts(w http.ResponseWriter, r *http.Request) {
	var t chat.ArtifactType
	if raw := r.URL.Query().Get("artifact_type"); raw != "" {
		normalized, ok := chat.NormalizeArtifactType(raw)
		if !ok {
			writeJSON(w, http.StatusOK, group(nil))
			return
		}
		t = normalized
	}
	items, err := s.store.Artifacts(r.Context(), userID(r.Context()), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group(items))
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteArtifact(r.Context(), userID(r.Context()), id)
	if s.notFound(w, err, "Artifact not found") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDownloadSessionArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := s.store.SessionArtifacts(r.Context(), userID(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeZip(w, fmt.Sprintf("session_%d_artifacts.zip", id), group(items))
}

func (s *Server) handleDownloadUserArtifacts(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Artifacts(r.Context(), userID(r.Context()), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeZip(w, "my_artifacts.zip", group(items))
}

func writeZip(w http.ResponseWriter, filename string, set chat.ArtifactSet) {
	var buf bytes.Buffer
	if err := artifacts.WriteZip(&buf, set); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
