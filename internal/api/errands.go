package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/chat"
	"github.com/ammar1510/errands/internal/errand"
	"github.com/ammar1510/errands/internal/models"
)

// ErrandHandler serves the errand lifecycle routes.
type ErrandHandler struct {
	Errands *errand.Service
	Chats   *chat.Service
}

func NewErrandHandler(errands *errand.Service, chats *chat.Service) *ErrandHandler {
	return &ErrandHandler{Errands: errands, Chats: chats}
}

func (h *ErrandHandler) Create(c *gin.Context) {
	var req models.CreateErrandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	e, err := h.Errands.Create(c.Request.Context(), currentUserID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *ErrandHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	e, err := h.Errands.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Nearby lists errands around the query point, nearest first.
func (h *ErrandHandler) Nearby(c *gin.Context) {
	var req models.NearbyRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	list, err := h.Errands.Nearby(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errands": list, "count": len(list)})
}

// Mine lists the caller's errands as requester (default) or performer.
func (h *ErrandHandler) Mine(c *gin.Context) {
	role := models.Role(c.DefaultQuery("role", string(models.RoleRequester)))
	list, err := h.Errands.ListMine(c.Request.Context(), currentUserID(c), role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errands": list, "count": len(list)})
}

func (h *ErrandHandler) Accept(c *gin.Context) {
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Accept(c.Request.Context(), id, currentUserID(c))
	})
}

func (h *ErrandHandler) Begin(c *gin.Context) {
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Begin(c.Request.Context(), id, currentUserID(c))
	})
}

func (h *ErrandHandler) Complete(c *gin.Context) {
	var req models.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.SubmitComplete(c.Request.Context(), id, currentUserID(c), &req)
	})
}

func (h *ErrandHandler) Dispute(c *gin.Context) {
	var req models.DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Dispute(c.Request.Context(), id, currentUserID(c), req.Reason)
	})
}

func (h *ErrandHandler) Finalize(c *gin.Context) {
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Finalize(c.Request.Context(), id, currentUserID(c))
	})
}

// Cancel accepts an empty body.
func (h *ErrandHandler) Cancel(c *gin.Context) {
	var req models.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Cancel(c.Request.Context(), id, currentUserID(c), req.Reason)
	})
}

func (h *ErrandHandler) Resolve(c *gin.Context) {
	var req models.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.act(c, func(id uuid.UUID) (*models.Errand, error) {
		return h.Errands.Resolve(c.Request.Context(), id, currentUser(c), req.Outcome, req.Note)
	})
}

// Chat returns the errand's chat channel, opening it on first use.
func (h *ErrandHandler) Chat(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.Chats.GetOrCreateChannel(c.Request.Context(), id, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// act runs a transition against the errand named in the path.
func (h *ErrandHandler) act(c *gin.Context, fn func(id uuid.UUID) (*models.Errand, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	e, err := fn(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
