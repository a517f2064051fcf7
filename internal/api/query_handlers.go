package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/prompt"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/query"
)

type queryRequest struct {
	Query     string               `json:"query"`
	Role      string               `json:"role"`
	SessionID int64                `json:"session_id"`
	History   prompt.SimpleHistory `json:"history"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

type choice struct {
	Message choiceMessage `json:"message"`
}

type queryResponse struct {
	Choices     []choice `json:"choices"`
	SessionID   int64    `json:"session_id,omitempty"`
	Disclaimers []string `json:"disclaimers"`
}

func newQueryResponse(a *query.Answer) queryResponse {
	return queryResponse{
		Choices:     []choice{{Message: choiceMessage{Content: a.Content}}},
		SessionID:   a.SessionID,
		Disclaimers: a.Disclaimers,
	}
}

func (h *Handler) processQuery(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.checkQuery(c, req.Query) {
		return
	}
	if req.SessionID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id cannot be negative"})
		return
	}
	role, err := prompt.ParseRole(req.Role)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	answer, err := h.queries.Ask(c.Request.Context(), query.Request{
		UserID:    userID,
		SessionID: req.SessionID,
		Query:     req.Query,
		Role:      role,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQueryResponse(answer))
}

func (h *Handler) publicQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.checkQuery(c, req.Query) {
		return
	}
	var role prompt.Role
	if req.Role != "" {
		parsed, err := prompt.ParseRole(req.Role)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		role = parsed
	}

	answer, err := h.queries.AskPublic(c.Request.Context(), query.PublicRequest{
		Query:   req.Query,
		Role:    role,
		History: req.History,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newQueryResponse(answer))
}
