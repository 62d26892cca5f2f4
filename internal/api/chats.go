package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ammar1510/errands/internal/chat"
	"github.com/ammar1510/errands/internal/models"
)

// ChatHandler serves chat channel routes.
type ChatHandler struct {
	Chats *chat.Service
}

func NewChatHandler(chats *chat.Service) *ChatHandler {
	return &ChatHandler{Chats: chats}
}

// List returns the caller's chats, most recently active first.
func (h *ChatHandler) List(c *gin.Context) {
	views, err := h.Chats.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": views, "count": len(views)})
}

func (h *ChatHandler) Get(c *gin.Context) {
	chatID, ok := pathID(c, "chatID")
	if !ok {
		return
	}
	view, err := h.Chats.Get(c.Request.Context(), chatID, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Messages pages through history with ?after=<seq>&limit=<n>.
func (h *ChatHandler) Messages(c *gin.Context) {
	chatID, ok := pathID(c, "chatID")
	if !ok {
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, "invalid after")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		badRequest(c, "invalid limit")
		return
	}

	msgs, err := h.Chats.ListMessages(c.Request.Context(), chatID, currentUserID(c), after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *ChatHandler) Post(c *gin.Context) {
	chatID, ok := pathID(c, "chatID")
	if !ok {
		return
	}
	var req models.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.Chats.PostMessage(c.Request.Context(), chatID, currentUserID(c), req.Content, req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead advances the caller's watermark. Without "upto" it marks
// everything up to now.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, ok := pathID(c, "chatID")
	if !ok {
		return
	}
	var req models.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}

	upto, err := h.Chats.MarkRead(c.Request.Context(), chatID, currentUserID(c), req.Upto)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read_upto": upto})
}
