package chat

import (
	"context"
	"time"

	"github.com/wirechat/wirechat/internal/store"
	"github.com/wirechat/wirechat/pkg/protocol"
)

// handleSend routes one message from the sender to the receiver. Delivery is
// a single attempt: local fan-out first, then the bridge when the receiver
// has no local connections. The message is persisted with the resolved
// delivered flag after the attempt.
func (g *Gateway) handleSend(ctx context.Context, c *client, req *protocol.SendRequest) {
	receiverID := req.ReceiverID.String()
	if receiverID == c.userID {
		g.sendError(c, "messaging yourself is not supported")
		return
	}

	msg := store.ChatMessage{
		SenderID:       c.userID,
		ReceiverID:     receiverID,
		ConversationID: ConversationID(c.userID, receiverID),
		Text:           req.Text,
		CreatedAt:      time.Now().UnixMicro(),
	}

	record := chatRecord(msg)
	g.attachSenderProfile(ctx, &record)
	frame := protocol.Encode(protocol.ActionNewMessage, record)

	delivered := g.registry.Broadcast(receiverID, frame)
	if !delivered && g.bridge != nil {
		n, err := g.bridge.Publish(ctx, receiverID, frame)
		if err != nil {
			g.logger.Warn("bridge publish failed", "receiver_id", receiverID, "error", err)
		}
		delivered = n > 0
	}
	msg.Delivered = delivered

	if err := g.store.SaveMessage(ctx, &msg); err != nil {
		// The live copy is already out; it cannot be recalled. Surface the
		// gap to the sender instead of pretending the message is in history.
		g.logger.Error("message persist failed", "sender_id", c.userID, "receiver_id", receiverID, "error", err)
		g.sendError(c, "message could not be saved")
		return
	}

	if g.ackDelivery {
		ack := protocol.Encode(protocol.ActionDeliveryStatus, protocol.DeliveryStatusBody{
			MessageID: msg.ID,
			Delivered: delivered,
		})
		if err := c.send(ack); err != nil {
			g.logger.Debug("delivery status write failed", "conn_id", c.id, "error", err)
		}
	}
}

// attachSenderProfile decorates an outgoing record with the sender's stored
// profile. Best effort; a missing profile just leaves the fields empty.
func (g *Gateway) attachSenderProfile(ctx context.Context, rec *protocol.ChatRecord) {
	user, err := g.store.GetUser(ctx, rec.SenderID)
	if err != nil || user == nil {
		return
	}
	rec.FullName = user.FullName
	rec.ProfileImage = user.ProfileImage
}
