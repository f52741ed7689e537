package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/rooms"
	"chat-gateway/internal/services"
	"chat-gateway/internal/validation"
)

const (
	wsRoutingKey = "ws_events.chat"

	maxFrameSize      = 64 << 10
	defaultSendBuffer = 64
	unauthorizedText  = "Unauthorized"
)

// Options configures a Gateway.
type Options struct {
	EchoToSender   bool
	AllowedOrigins []string
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
}

func (o *Options) defaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
}

type eventHandler func(ctx context.Context, c *Client, raw json.RawMessage) (any, error)

// Gateway authenticates socket connections, joins them to their rooms and
// routes inbound events.
type Gateway struct {
	hub        *Hub
	authn      *auth.Authenticator
	chat       *services.ChatService
	receipts   *services.ReadReceiptTracker
	membership *services.Membership
	presence   *services.Presence
	logger     *zap.Logger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader
	validate   *validator.Validate
	opts       Options
	handlers   map[string]eventHandler
	now        func() time.Time
}

// NewGateway wires a Gateway.
func NewGateway(
	hub *Hub,
	authn *auth.Authenticator,
	chat *services.ChatService,
	receipts *services.ReadReceiptTracker,
	membership *services.Membership,
	presence *services.Presence,
	logger *zap.Logger,
	opts Options,
) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()

	g := &Gateway{
		hub:        hub,
		authn:      authn,
		chat:       chat,
		receipts:   receipts,
		membership: membership,
		presence:   presence,
		logger:     logger,
		tracer:     otel.Tracer("chat-gateway/ws"),
		validate:   validation.New(),
		opts:       opts,
		now:        time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{auth.Subprotocol},
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}

	g.handlers = map[string]eventHandler{
		models.EventSendMessage:            typed(g.validate, g.onSendMessage),
		models.EventGetMessages:            typed(g.validate, g.onGetMessages),
		models.EventMarkConversationAsRead: typed(g.validate, g.onMarkConversationAsRead),
		models.EventJoinGroup:              typed(g.validate, g.onJoinGroup),
		models.EventLeaveGroup:             typed(g.validate, g.onLeaveGroup),
	}
	return g
}

// typed decodes and validates the payload before the handler runs.
func typed[T any](v *validator.Validate, fn func(ctx context.Context, c *Client, req T) (any, error)) eventHandler {
	return func(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
		var req T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, services.BadRequest("Invalid payload")
			}
		}
		if err := v.Struct(req); err != nil {
			return nil, services.BadRequest(validation.Message(err))
		}
		return fn(ctx, c, req)
	}
}

// Handle upgrades the request and runs the connection until it closes.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := g.tracer.Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, tokenErr := auth.ExtractToken(c.Request)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		span.SetStatus(codes.Error, "upgrade failed")
		return
	}

	info := newConnInfo(c.Request, observability.TraceIDFromContext(ctx), g.now())
	client := newClient(conn, info, g.opts.SendBuffer)

	identity, err := g.authenticate(token, tokenErr)
	if err != nil {
		g.reject(ctx, client, err)
		span.SetStatus(codes.Error, "unauthorized")
		return
	}

	client.identity = identity
	client.info.UserID = identity.UserID
	client.setState(StateAuthenticated)
	span.SetAttributes(attribute.String("user.id", identity.UserID), attribute.String("ws.conn_id", info.ConnID))

	// Outlive the upgrade request; keep its trace values.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := g.join(connCtx, client); err != nil {
		cancel()
		g.logger.Error("websocket room join failed",
			zap.String("conn_id", info.ConnID), zap.String("user_id", identity.UserID), zap.Error(err))
		g.hub.Unregister(client)
		client.setState(StateDisconnected)
		writeFrameNow(conn, exceptionFrame("", "", services.PublicMessage(err)), g.opts.WriteWait)
		closeWith(conn, websocket.CloseInternalServerErr, "", g.opts.WriteWait)
		observability.IncWSEvent("connect", "error")
		return
	}

	go client.writePump(g.pingInterval(), g.opts.WriteWait)
	g.connected(connCtx, client)
	go g.readPump(connCtx, cancel, client)
}

func (g *Gateway) authenticate(token string, extractErr error) (auth.Identity, error) {
	if extractErr != nil {
		return auth.Identity{}, extractErr
	}
	return g.authn.Authenticate(token)
}

// reject tells the client it is unauthorized and drops the connection. The
// specific cause is only logged.
func (g *Gateway) reject(ctx context.Context, client *Client, reason error) {
	client.setState(StateDisconnected)
	g.logger.Info("websocket authentication failed",
		zap.String("conn_id", client.info.ConnID),
		zap.String("ip", client.info.IP),
		zap.String("reason", reason.Error()))

	writeFrameNow(client.conn, exceptionFrame("", "", unauthorizedText), g.opts.WriteWait)
	closeWith(client.conn, websocket.ClosePolicyViolation, unauthorizedText, g.opts.WriteWait)

	observability.IncWSEvent("connect", "unauthorized")
	g.publishWSEvent(ctx, client.info, "ws_unauthorized", reason.Error())
}

// join registers the client and subscribes it to its personal room and a
// snapshot of its group rooms.
func (g *Gateway) join(ctx context.Context, client *Client) error {
	userID := client.identity.UserID
	groupIDs, err := g.membership.GroupIDsOf(ctx, userID)
	if err != nil {
		return err
	}
	if !g.hub.Register(client) {
		return services.Internal(errHubClosed)
	}
	g.hub.Join(client, rooms.Personal(userID))
	for _, id := range groupIDs {
		g.hub.Join(client, rooms.Group(id))
	}
	g.logger.Info("websocket connected",
		zap.String("conn_id", client.info.ConnID),
		zap.String("user_id", userID),
		zap.Int("groups", len(groupIDs)))
	return nil
}

func (g *Gateway) connected(ctx context.Context, client *Client) {
	observability.IncWSActive()
	observability.IncWSEvent("connect", "ok")
	g.publishWSEvent(ctx, client.info, "ws_connect", "")

	event, err := g.presence.SetOnline(ctx, client.identity.UserID)
	if err != nil {
		g.logger.Error("set online failed", zap.String("user_id", client.identity.UserID), zap.Error(err))
		return
	}
	g.hub.BroadcastAll(models.OutboundFrame{Event: models.EventUserStatusChanged, Data: event})
}

func (g *Gateway) disconnected(ctx context.Context, client *Client, reason string) {
	g.hub.Unregister(client)
	client.Close()
	userID := client.Identity().UserID

	observability.DecWSActive()
	observability.IncWSEvent("disconnect", "ok")
	g.publishWSEvent(ctx, client.info, "ws_disconnect", reason)
	g.logger.Info("websocket disconnected",
		zap.String("conn_id", client.info.ConnID),
		zap.String("user_id", userID),
		zap.String("reason", reason))

	event, err := g.presence.SetOffline(ctx, userID)
	if err != nil {
		g.logger.Error("set offline failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	g.hub.BroadcastAll(models.OutboundFrame{Event: models.EventUserStatusChanged, Data: event})
}

// readPump handles this connection's events one at a time, in arrival order.
func (g *Gateway) readPump(ctx context.Context, cancel context.CancelFunc, client *Client) {
	var reason string
	defer func() {
		cancel()
		g.disconnected(context.WithoutCancel(ctx), client, reason)
		g.hub.Release()
	}()

	conn := client.conn
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				observability.IncWSEvent("disconnect", "error")
				g.publishWSEvent(ctx, client.info, "ws_error", reason)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		g.dispatch(ctx, client, data)
	}
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, data []byte) {
	if client.State() != StateAuthenticated {
		return
	}
	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		observability.IncWSEvent("invalid", "bad_request")
		g.reply(client, exceptionFrame("", "", "Invalid message format"))
		return
	}

	handler, ok := g.handlers[frame.Event]
	if !ok {
		observability.IncWSEvent("unknown", "bad_request")
		g.reply(client, exceptionFrame(frame.ID, frame.Event, "Unknown event"))
		return
	}

	ctx, span := g.tracer.Start(ctx, "ws."+frame.Event,
		trace.WithAttributes(attribute.String("ws.conn_id", client.info.ConnID), attribute.String("user.id", client.identity.UserID)))
	defer span.End()

	result, err := handler(ctx, client, frame.Data)
	if err != nil {
		kind := services.KindOf(err)
		observability.IncWSEvent(frame.Event, string(kind))
		span.SetStatus(codes.Error, string(kind))
		g.logHandlerError(client, frame.Event, err)
		g.reply(client, exceptionFrame(frame.ID, frame.Event, services.PublicMessage(err)))
		return
	}

	observability.IncWSEvent(frame.Event, "ok")
	g.reply(client, models.OutboundFrame{Event: models.EventAck, ID: frame.ID, Data: result})
}

func (g *Gateway) logHandlerError(client *Client, event string, err error) {
	fields := []zap.Field{
		zap.String("conn_id", client.info.ConnID),
		zap.String("user_id", client.identity.UserID),
		zap.String("event", event),
		zap.Error(err),
	}
	if services.KindOf(err) == services.KindInternal {
		g.logger.Error("websocket event failed", fields...)
		return
	}
	g.logger.Debug("websocket event rejected", fields...)
}

func (g *Gateway) reply(client *Client, frame models.OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		g.logger.Error("marshal reply", zap.String("event", frame.Event), zap.Error(err))
		return
	}
	if !client.enqueue(payload) {
		g.logger.Warn("client egress buffer full, disconnecting", zap.String("conn_id", client.info.ConnID))
		client.Close()
	}
}

func (g *Gateway) onSendMessage(ctx context.Context, c *Client, req models.SendMessageRequest) (any, error) {
	delivery, err := g.chat.SendMessage(ctx, c.Identity().UserID, req)
	if err != nil {
		return nil, err
	}
	g.deliverMessage(delivery, c)
	return delivery.Message, nil
}

func (g *Gateway) onGetMessages(ctx context.Context, c *Client, req models.HistoryRequest) (any, error) {
	return g.chat.GetMessages(ctx, c.Identity().UserID, req)
}

func (g *Gateway) onMarkConversationAsRead(ctx context.Context, c *Client, req models.MarkReadRequest) (any, error) {
	receipt, err := g.receipts.MarkConversationRead(ctx, req.ConversationID, c.Identity().UserID)
	if err != nil {
		return nil, err
	}
	var marked int64
	if receipt != nil {
		marked = receipt.Marked
		g.DeliverReadReceipt(ctx, receipt)
	}
	return gin.H{"conversationId": req.ConversationID, "marked": marked}, nil
}

func (g *Gateway) onJoinGroup(ctx context.Context, c *Client, req models.GroupRoomRequest) (any, error) {
	if err := g.membership.Require(ctx, req.GroupID, c.Identity().UserID); err != nil {
		return nil, err
	}
	g.hub.Join(c, rooms.Group(req.GroupID))
	return gin.H{"groupId": req.GroupID, "joined": true}, nil
}

func (g *Gateway) onLeaveGroup(_ context.Context, c *Client, req models.GroupRoomRequest) (any, error) {
	g.hub.Leave(c, rooms.Group(req.GroupID))
	return gin.H{"groupId": req.GroupID, "joined": false}, nil
}

// DeliverMessage broadcasts a persisted message to its room.
func (g *Gateway) DeliverMessage(_ context.Context, delivery services.Delivery) {
	g.deliverMessage(delivery, nil)
}

func (g *Gateway) deliverMessage(delivery services.Delivery, origin *Client) {
	frame := models.OutboundFrame{Event: models.EventMessage, Data: delivery.Message}
	n := g.hub.Broadcast(delivery.Room, frame, nil)
	g.logger.Debug("message delivered",
		zap.String("message_id", delivery.Message.ID),
		zap.String("room", delivery.Room),
		zap.Int("recipients", n))

	if !g.opts.EchoToSender || delivery.Message.IsGroup() {
		return
	}
	g.hub.Broadcast(rooms.Personal(delivery.Message.SenderID), frame, origin)
}

// DeliverReadReceipt tells the other participant their messages were read.
// An empty target room is logged; the read state is already stored.
func (g *Gateway) DeliverReadReceipt(_ context.Context, receipt *services.ReadReceipt) {
	n := g.hub.Broadcast(receipt.Room, models.OutboundFrame{Event: models.EventMessageRead, Data: receipt.Payload}, nil)
	if n == 0 {
		g.logger.Warn("read receipt has no active recipients",
			zap.String("room", receipt.Room),
			zap.String("conversation_id", receipt.Payload.ConversationID))
	}
}

func (g *Gateway) pingInterval() time.Duration {
	return g.opts.PongWait * 9 / 10
}

func (g *Gateway) publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	err := observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   info.payload(event, reason),
	}, headers)
	if err != nil {
		g.logger.Warn("publish ws event failed", zap.String("event", event), zap.Error(err))
	}
}
