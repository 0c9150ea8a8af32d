// Package server exposes the conversation engine over HTTP: one endpoint for
// inbound messages and resume answers, a static action catalogue, and state
// administration. Requests for the same discussion id are serialized so the
// engine only ever sees sequential calls per id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskflowhq/deskflow/actions"
	"github.com/deskflowhq/deskflow/graph"
	"github.com/deskflowhq/deskflow/state"
	"github.com/deskflowhq/deskflow/types"
)

const (
	MessageTypeUser  = "user"
	MessageTypeAgent = "agent"
)

type Config struct {
	Addr  string
	Graph *graph.Graph
	Store state.Store
	// Locker guards a discussion across processes. When nil and the Store
	// itself implements DiscussionLocker (the redis store does), the store
	// is used.
	Locker DiscussionLocker
}

// DiscussionLocker is the cross-process counterpart to the in-process
// per-discussion mutex: multiple server instances sharing a store take it
// before driving the same discussion.
type DiscussionLocker interface {
	AcquireLock(ctx context.Context, discussionID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, discussionID, owner string) error
}

type Server struct {
	cfg    Config
	mux    *http.ServeMux
	http   *http.Server
	locks  *discussionLocks
	locker DiscussionLocker
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("server: graph is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: state store is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	locker := cfg.Locker
	if locker == nil {
		if l, ok := cfg.Store.(DiscussionLocker); ok {
			locker = l
		}
	}
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		locks:  newDiscussionLocks(),
		locker: locker,
	}
	s.registerRoutes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/agent_response", s.handleAgentResponse)
	s.mux.HandleFunc("/action_list", s.handleActionList)
	s.mux.HandleFunc("/reset_state", s.handleResetState)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
}

type agentResponseRequest struct {
	MessageType   string `json:"message_type"`
	MessageText   string `json:"message_text"`
	DiscussionID  string `json:"discussion_id"`
	Client        string `json:"client"`
	ChannelTypeID string `json:"channel_type_id"`
}

type agentResponse struct {
	MessageType string         `json:"message_type"`
	MessageText string         `json:"message_text"`
	MessageID   string         `json:"message_id"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleAgentResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req agentResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.DiscussionID = strings.TrimSpace(req.DiscussionID)
	if req.DiscussionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("discussion_id is required"))
		return
	}
	if strings.TrimSpace(req.MessageText) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message_text is required"))
		return
	}
	if req.MessageType != MessageTypeUser && req.MessageType != MessageTypeAgent {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("invalid message_type %q: must be %q or %q", req.MessageType, MessageTypeUser, MessageTypeAgent))
		return
	}

	unlock := s.locks.lock(req.DiscussionID)
	defer unlock()
	release, err := s.guardDiscussion(r.Context(), req.DiscussionID)
	if err != nil {
		if errors.Is(err, errDiscussionBusy) {
			writeError(w, http.StatusConflict, err)
			return
		}
		log.Printf("agent_response failed for discussion %s: %v", req.DiscussionID, err)
		writeError(w, http.StatusInternalServerError,
			fmt.Errorf("failed to process message for discussion %s", req.DiscussionID))
		return
	}
	defer release()

	var out *graph.RunOutput
	if req.MessageType == MessageTypeAgent {
		out, err = s.cfg.Graph.Resume(r.Context(), req.DiscussionID, req.MessageText)
	} else {
		out, err = s.cfg.Graph.Run(r.Context(), req.DiscussionID, req.MessageText)
	}
	if err != nil {
		if errors.Is(err, graph.ErrNoPendingInterrupt) {
			writeError(w, http.StatusConflict, err)
			return
		}
		log.Printf("agent_response failed for discussion %s: %v", req.DiscussionID, err)
		writeError(w, http.StatusInternalServerError,
			fmt.Errorf("failed to process message for discussion %s", req.DiscussionID))
		return
	}

	writeJSON(w, http.StatusOK, buildAgentResponse(out))
}

func buildAgentResponse(out *graph.RunOutput) agentResponse {
	messageType := MessageTypeUser
	metadata := map[string]any{
		"discussion_id": out.DiscussionID,
		"status":        string(out.Status),
		"node":          out.Node,
	}
	if len(out.ToolsCalled) > 0 {
		metadata["tool_calls"] = toolCallSummaries(out.ToolsCalled)
	}
	if out.Interrupt != nil {
		messageType = string(out.Interrupt.Destination)
		metadata["agent_message_mode"] = string(out.Interrupt.AgentMessageMode)
		metadata["complete_handoff"] = out.Interrupt.IsCompleteHandoff()
	}
	return agentResponse{
		MessageType: messageType,
		MessageText: out.Reply,
		MessageID:   uuid.NewString(),
		Metadata:    metadata,
	}
}

type toolCallSummary struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func toolCallSummaries(records []types.ToolCallRecord) []toolCallSummary {
	out := make([]toolCallSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, toolCallSummary{Name: rec.Name, Parameters: rec.Parameters})
	}
	return out
}

type actionListResponse struct {
	Agents []actions.Action `json:"agents"`
}

func (s *Server) handleActionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, actionListResponse{Agents: actions.Catalog()})
}

type resetStateRequest struct {
	DiscussionID string `json:"discussion_id"`
}

type resetStateResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	BytesRemoved int64  `json:"bytes_removed"`
}

func (s *Server) handleResetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req resetStateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	req.DiscussionID = strings.TrimSpace(req.DiscussionID)

	var (
		removed int64
		message string
		err     error
	)
	if req.DiscussionID == "" {
		removed, err = s.cfg.Store.Reset(r.Context())
		message = "all conversation state removed"
	} else {
		unlock := s.locks.lock(req.DiscussionID)
		defer unlock()
		release, guardErr := s.guardDiscussion(r.Context(), req.DiscussionID)
		if guardErr != nil {
			if errors.Is(guardErr, errDiscussionBusy) {
				writeError(w, http.StatusConflict, guardErr)
				return
			}
			log.Printf("reset_state failed: %v", guardErr)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to reset state"))
			return
		}
		defer release()
		removed, err = s.cfg.Store.DeleteConversation(r.Context(), req.DiscussionID)
		message = fmt.Sprintf("conversation %s removed", req.DiscussionID)
	}
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("discussion %s not found", req.DiscussionID))
			return
		}
		log.Printf("reset_state failed: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to reset state"))
		return
	}
	writeJSON(w, http.StatusOK, resetStateResponse{
		Success:      true,
		Message:      message,
		BytesRemoved: removed,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
