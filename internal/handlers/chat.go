package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
	"chat-gateway/internal/validation"
)

// ChatHandler exposes the chat use cases over HTTP.
type ChatHandler struct {
	chat     *services.ChatService
	receipts *services.ReadReceiptTracker
	notifier Notifier
	validate *validator.Validate
}

// NewChatHandler builds a ChatHandler. notifier may be nil.
func NewChatHandler(chat *services.ChatService, receipts *services.ReadReceiptTracker, notifier Notifier) *ChatHandler {
	return &ChatHandler{
		chat:     chat,
		receipts: receipts,
		notifier: notifier,
		validate: validation.New(),
	}
}

// SendMessage handles POST /chat.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(err)})
		return
	}

	delivery, err := h.chat.SendMessage(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.notifier != nil {
		h.notifier.DeliverMessage(c.Request.Context(), delivery)
	}
	c.JSON(http.StatusCreated, delivery.Message)
}

// GetMessages handles GET /chat/messages.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	var req models.HistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message(err)})
		return
	}

	msgs, err := h.chat.GetMessages(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListConversations handles GET /chat/conversations.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	list, err := h.chat.ListConversations(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// MarkConversationRead handles POST /chat/conversations/:conversation_id/read.
func (h *ChatHandler) MarkConversationRead(c *gin.Context) {
	conversationID, ok := pathUUID(c, "conversation_id")
	if !ok {
		return
	}

	receipt, err := h.receipts.MarkConversationRead(c.Request.Context(), conversationID, c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}

	var marked int64
	if receipt != nil {
		marked = receipt.Marked
		if h.notifier != nil {
			h.notifier.DeliverReadReceipt(c.Request.Context(), receipt)
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "marked": marked})
}
