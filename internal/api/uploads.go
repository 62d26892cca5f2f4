package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ammar1510/errands/internal/media"
	"github.com/ammar1510/errands/internal/models"
)

// UploadSigner issues presigned upload targets. *media.Presigner satisfies it.
type UploadSigner interface {
	PresignUpload(ctx context.Context, user uuid.UUID, purpose, contentType string) (*media.Upload, error)
}

// UploadHandler hands out upload URLs. A nil Signer means uploads are not
// configured.
type UploadHandler struct {
	Signer UploadSigner
}

func NewUploadHandler(signer UploadSigner) *UploadHandler {
	return &UploadHandler{Signer: signer}
}

func (h *UploadHandler) Create(c *gin.Context) {
	if h.Signer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "uploads are not configured"})
		return
	}
	var req models.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	up, err := h.Signer.PresignUpload(c.Request.Context(), currentUserID(c), req.Purpose, req.ContentType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, up)
}
