package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yuim/im-relay/internal/auth"
	"yuim/im-relay/internal/hub"
	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/protocol"
)

// Verifier turns a credential into a principal. *auth.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Principal, error)
}

type ServerOptions struct {
	// Credential lookup, see auth.ExtractToken.
	Header       string
	BearerPrefix string
	QueryKey     string

	// InternalToken guards /internal/*; empty disables the check, which
	// config.Validate only allows for env: dev.
	InternalToken string

	Conn hub.Options
}

type Server struct {
	relay    *Relay
	verifier Verifier
	opt      ServerOptions
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(r *Relay, v Verifier, opt ServerOptions) *Server {
	if opt.Header == "" {
		opt.Header = "Authorization"
	}
	if opt.BearerPrefix == "" {
		opt.BearerPrefix = "Bearer "
	}
	if opt.QueryKey == "" {
		opt.QueryKey = "token"
	}
	return &Server{
		relay:    r,
		verifier: v,
		opt:      opt,
		log:      r.log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the relay routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/conversations/{peerId}/messages", s.authed(s.handleHistory))
	mux.HandleFunc("POST /v1/messages/{id}/unsend", s.authed(s.handleUnsend))
	mux.HandleFunc("POST /v1/messages/{id}/delete-for-me", s.authed(s.handleDeleteForMe))
	mux.HandleFunc("GET /v1/presence/{identity}", s.authed(s.handlePresence))
	mux.HandleFunc("POST /internal/message-unsent", s.internal(s.handleInternalUnsent))
	mux.HandleFunc("POST /internal/message-deleted", s.internal(s.handleInternalDeleted))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// authStatus is 503 when the credential could not be checked and 401 when
// it was checked and refused.
func authStatus(err error) int {
	if errors.Is(err, auth.ErrSessionUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	token := auth.ExtractToken(r, s.opt.Header, s.opt.BearerPrefix, s.opt.QueryKey)
	p, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		reason := auth.Reason(err)
		metrics.AuthFail.WithLabelValues(reason).Inc()
		return nil, err
	}
	return p, nil
}

// handleWS authenticates before the upgrade: a rejected credential never
// reaches presence or rooms.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		status := authStatus(err)
		if status == http.StatusServiceUnavailable {
			s.log.Warn("ws auth unavailable", zap.String("remote", r.RemoteAddr), zap.Error(err))
		} else {
			s.log.Info("ws auth rejected", zap.String("reason", auth.Reason(err)), zap.String("remote", r.RemoteAddr))
		}
		writeError(w, status, auth.Reason(err))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := hub.NewConn(uuid.NewString(), ws, *p, s.opt.Conn, s.log)
	s.relay.Connect(c)
	defer s.relay.Disconnect(c)

	// In-flight sends finish even when the socket drops.
	ctx := context.WithoutCancel(r.Context())
	c.Serve(func(frame []byte) {
		s.relay.HandleFrame(ctx, c, frame)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.relay.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"connections":   st.Connections,
		"identities":    st.Identities,
		"uptimeSeconds": int64(st.Uptime.Seconds()),
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p *auth.Principal)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			writeError(w, authStatus(err), auth.Reason(err))
			return
		}
		h(w, r, p)
	}
}

func (s *Server) internal(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opt.InternalToken != "" {
			got := r.Header.Get("X-Internal-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opt.InternalToken)) != 1 {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
		h(w, r)
	}
}

// storeStatus maps store errors onto HTTP statuses.
func storeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, store.ErrTimeout):
		return http.StatusGatewayTimeout, protocol.ReasonStoreTimeout
	default:
		return http.StatusServiceUnavailable, protocol.ReasonStoreFailed
	}
}

func pathInt(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return v, err == nil && v > 0
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	peer, ok := pathInt(r, "peerId")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad peerId")
		return
	}
	q := r.URL.Query()
	var before int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad before")
			return
		}
		before = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	msgs, err := s.relay.History(r.Context(), p.UserID, peer, before, limit)
	if err != nil {
		status, reason := storeStatus(err)
		writeError(w, status, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": protocol.ConversationID(p.UserID, peer),
		"messages":       msgs,
	})
}

func (s *Server) handleUnsend(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	m, err := s.relay.Unsend(r.Context(), p.UserID, id)
	if err != nil {
		status, reason := storeStatus(err)
		writeError(w, status, reason)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageUnsent{MessageID: m.ServerID, ConversationID: m.ConversationID()})
}

func (s *Server) handleDeleteForMe(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad id")
		return
	}
	m, err := s.relay.DeleteForMe(r.Context(), p.UserID, id)
	if err != nil {
		status, reason := storeStatus(err)
		writeError(w, status, reason)
		return
	}
	writeJSON(w, http.StatusOK, protocol.MessageDeleted{MessageID: m.ServerID, ConversationID: m.ConversationID()})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	uid, ok := pathInt(r, "identity")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad identity")
		return
	}
	writeJSON(w, http.StatusOK, s.relay.Presence(r.Context(), uid))
}

type internalRetraction struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Identity       int64  `json:"identity,omitempty"`
}

func (s *Server) handleInternalUnsent(w http.ResponseWriter, r *http.Request) {
	var q internalRetraction
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil || q.MessageID <= 0 {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if _, _, err := protocol.ParseConversationID(q.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, "bad conversationId")
		return
	}
	n := s.relay.FanOutUnsent(q.ConversationID, q.MessageID)
	writeJSON(w, http.StatusAccepted, map[string]int{"reached": n})
}

func (s *Server) handleInternalDeleted(w http.ResponseWriter, r *http.Request) {
	var q internalRetraction
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil || q.MessageID <= 0 || q.Identity <= 0 {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if !protocol.Participant(q.ConversationID, q.Identity) {
		writeError(w, http.StatusBadRequest, "bad conversationId")
		return
	}
	n := s.relay.FanOutDeleted(q.Identity, q.ConversationID, q.MessageID)
	writeJSON(w, http.StatusAccepted, map[string]int{"reached": n})
}
