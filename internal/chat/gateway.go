package chat

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/wirechat/wirechat/internal/auth"
	"github.com/wirechat/wirechat/internal/config"
	"github.com/wirechat/wirechat/internal/store"
	"github.com/wirechat/wirechat/pkg/protocol"
)

// DeliveryBridge forwards frames to receivers connected to other gateway
// instances. A nil bridge means single-instance operation.
type DeliveryBridge interface {
	// Publish sends a frame toward a receiver's remote connections and
	// returns how many remote subscribers picked it up.
	Publish(ctx context.Context, receiverID string, frame []byte) (int64, error)
	// Subscribe starts relaying remote frames for a locally connected user.
	Subscribe(userID string)
	// Unsubscribe stops relaying once the user's last local connection is gone.
	Unsubscribe(userID string)
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string // for WebSocket origin check
	MaxConnsPerUser int      // max live connections per user (default 10)
	MaxMessageBytes int64    // max WebSocket message size from clients (default 64KB)
	BacklogMode     string   // what to push on connect: "summary" or "messages"
	BacklogLimit    int      // max backlog messages pushed on connect (default 100)
	AckDelivery     bool     // send DELIVERY_STATUS back to the sender
}

// Gateway owns the WebSocket session lifecycle and the dispatch loop.
type Gateway struct {
	store    store.Store
	auth     auth.Provider
	registry *Registry
	bridge   DeliveryBridge
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxConnsPerUser int
	maxMessageBytes int64
	backlogMode     string
	backlogLimit    int
	ackDelivery     bool
}

// New creates a new Gateway. registry is shared with whatever else needs to
// reach local connections (the bridge does); nil means a private one.
// bridge may be nil.
func New(s store.Store, ap auth.Provider, registry *Registry, bridge DeliveryBridge, logger *slog.Logger, opts Options) *Gateway {
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}
	msgLimit := opts.MaxMessageBytes
	if msgLimit == 0 {
		msgLimit = 64 * 1024 // 64KB default
	}
	mode := opts.BacklogMode
	if mode == "" {
		mode = config.BacklogSummary
	}
	backlogLimit := opts.BacklogLimit
	if backlogLimit == 0 {
		backlogLimit = protocol.DefaultFetchLimit
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}

	return &Gateway{
		store:           s,
		auth:            ap,
		registry:        registry,
		bridge:          bridge,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxConnsPerUser: maxConns,
		maxMessageBytes: msgLimit,
		backlogMode:     mode,
		backlogLimit:    backlogLimit,
		ackDelivery:     opts.AckDelivery,
	}
}

// Registry exposes the connection registry for health and admin endpoints.
func (g *Gateway) Registry() *Registry { return g.registry }

// HandleWS authenticates, upgrades, and runs a client connection until it
// closes. Deregistration runs on every exit path.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	// Extract JWT from query param or Authorization header.
	// Security note: JWT in query parameter is required for WebSocket connections since
	// browsers cannot set custom headers during the WebSocket handshake. Ensure server
	// access logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := g.auth.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Mirror the profile carried in the token so receivers can render the
	// sender without a round trip to the identity service.
	if err := g.store.UpsertUser(req.Context(), &store.User{
		ID:           identity.UserID,
		Username:     identity.Username,
		FullName:     identity.FullName,
		ProfileImage: identity.ProfileImage,
	}); err != nil {
		g.logger.Warn("profile upsert failed", "user_id", identity.UserID, "error", err)
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c, ok := g.registry.RegisterCapped(identity.UserID, conn, g.maxConnsPerUser)
	if !ok {
		g.logger.Warn("too many WebSocket connections for user", "user_id", identity.UserID, "limit", g.maxConnsPerUser)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	if g.bridge != nil {
		g.bridge.Subscribe(identity.UserID)
	}

	conn.SetReadLimit(g.maxMessageBytes)
	stopKeepalive := startWSKeepalive(conn, &c.mu)

	g.logger.Info("client connected", "user_id", identity.UserID, "conn_id", c.id)

	defer func() {
		stopKeepalive()
		last := g.registry.Deregister(identity.UserID, c.id)
		if last && g.bridge != nil {
			g.bridge.Unsubscribe(identity.UserID)
		}
		g.logger.Info("client disconnected", "user_id", identity.UserID, "conn_id", c.id)
	}()

	g.pushBacklog(req.Context(), c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", c.id, "error", err)
			return
		}

		inbound, decErr := protocol.Decode(raw)
		if decErr != nil {
			// Exactly one ERROR frame per bad inbound frame; the
			// connection stays open.
			g.logger.Debug("rejected client frame", "conn_id", c.id, "error", decErr)
			g.sendError(c, decErr.Message())
			continue
		}

		switch inbound.Action {
		case protocol.ActionSend:
			g.handleSend(req.Context(), c, inbound.Send)
		case protocol.ActionFetch:
			g.handleFetch(req.Context(), c, inbound.Fetch)
		}
	}
}

// pushBacklog tells a freshly connected client what accumulated while it was
// away. In "summary" mode that is an unread count per partner; in "messages"
// mode the undelivered messages themselves.
func (g *Gateway) pushBacklog(ctx context.Context, c *client) {
	var body protocol.UnreadBody

	switch g.backlogMode {
	case config.BacklogMessages:
		pending, err := g.store.ListUndelivered(ctx, c.userID, g.backlogLimit)
		if err != nil {
			g.logger.Warn("backlog query failed", "user_id", c.userID, "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		body.Messages = make([]protocol.ChatRecord, len(pending))
		for i, m := range pending {
			body.Messages[i] = chatRecord(m)
		}
	default:
		counts, err := g.store.CountUnreadByPartner(ctx, c.userID)
		if err != nil {
			g.logger.Warn("backlog query failed", "user_id", c.userID, "error", err)
			return
		}
		if len(counts) == 0 {
			return
		}
		body.Summary = counts
	}

	if err := c.send(protocol.Encode(protocol.ActionUnreadConversation, body)); err != nil {
		g.logger.Debug("backlog push failed", "conn_id", c.id, "error", err)
	}
}

func (g *Gateway) sendError(c *client, msg string) {
	if err := c.send(protocol.Encode(protocol.ActionError, protocol.ErrorBody{Message: msg})); err != nil {
		g.logger.Debug("error frame write failed", "conn_id", c.id, "error", err)
	}
}

// chatRecord converts a stored message to its wire form.
func chatRecord(m store.ChatMessage) protocol.ChatRecord {
	return protocol.ChatRecord{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		ConversationID: m.ConversationID,
		Delivered:      m.Delivered,
	}
}
