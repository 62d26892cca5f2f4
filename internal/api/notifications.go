package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ammar1510/errands/internal/apperror"
	"github.com/ammar1510/errands/internal/database"
)

// NotificationHandler reads and acknowledges persisted notifications.
type NotificationHandler struct {
	DB database.DBInterface
}

func NewNotificationHandler(db database.DBInterface) *NotificationHandler {
	return &NotificationHandler{DB: db}
}

// List returns the caller's notifications, newest first. ?unread=true
// restricts to unread ones.
func (h *NotificationHandler) List(c *gin.Context) {
	unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	list, err := h.DB.ListNotifications(c.Request.Context(), currentUserID(c), unreadOnly, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.DB.CountUnreadNotifications(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	err := h.DB.MarkNotificationRead(c.Request.Context(), id, currentUserID(c), time.Now().UTC())
	if errors.Is(err, database.ErrNotificationNotFound) {
		err = &apperror.NotFoundError{Entity: "notification", ID: id.String()}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.DB.MarkAllNotificationsRead(c.Request.Context(), currentUserID(c), time.Now().UTC())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
