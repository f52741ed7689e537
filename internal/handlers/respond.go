package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-gateway/internal/services"
)

// Notifier pushes persisted changes to connected sockets.
type Notifier interface {
	DeliverMessage(ctx context.Context, delivery services.Delivery)
	DeliverReadReceipt(ctx context.Context, receipt *services.ReadReceipt)
}

var statusByKind = map[services.Kind]int{
	services.KindUnauthorized: http.StatusUnauthorized,
	services.KindForbidden:    http.StatusForbidden,
	services.KindBadRequest:   http.StatusBadRequest,
	services.KindNotFound:     http.StatusNotFound,
	services.KindConflict:     http.StatusConflict,
	services.KindInternal:     http.StatusInternalServerError,
}

func respondError(c *gin.Context, err error) {
	status, ok := statusByKind[services.KindOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(status, gin.H{"error": services.PublicMessage(err)})
}

func pathUUID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return "", false
	}
	return id, true
}
