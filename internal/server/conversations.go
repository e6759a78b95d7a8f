package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowmentor/chat-gateway/internal/agent"
	"github.com/flowmentor/chat-gateway/internal/store"
)

type createConversationRequest struct {
	Title   string `json:"title"`
	AgentID string `json:"agentId"`
}

type updateConversationRequest struct {
	Title string `json:"title"`
}

type conversationDetail struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	convs, err := s.store.ListConversations(user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list conversations")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if offset > len(convs) {
		offset = len(convs)
	}
	end := offset + limit
	if end > len(convs) {
		end = len(convs)
	}

	page := convs[offset:end]
	if page == nil {
		page = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}
	if req.AgentID == "" {
		req.AgentID = agent.DefaultAgentID
	}

	conv, _, err := s.store.GetOrCreateConversation("", user.ID, req.Title, req.AgentID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// ownedConversation loads a conversation and enforces ownership. A
// conversation that exists but belongs to someone else is reported as not
// found, same as a missing one.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	user := userFrom(r.Context())
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
		} else {
			s.logger.Error().Err(err).Msg("Failed to load conversation")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	if conv.UserID != user.ID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}

	messages, err := s.store.ListMessages(conv.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load messages")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}

	writeJSON(w, http.StatusOK, conversationDetail{Conversation: *conv, Messages: messages})
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}

	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.store.UpdateConversationTitle(conv.ID, req.Title); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.store.GetConversation(conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.ownedConversation(w, r)
	if conv == nil {
		return
	}

	if err := s.store.DeleteConversation(conv.ID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	totals, err := s.store.UserUsage(user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to aggregate usage")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"usage":        totals,
		"tokenBalance": s.currentBalance(user.ID),
	})
}

func (s *Server) currentBalance(userID int64) int {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return 0
	}
	return user.TokenBalance
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
