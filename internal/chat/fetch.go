package chat

import (
	"context"

	"github.com/wirechat/wirechat/pkg/protocol"
)

// handleFetch answers a history request with one CONVERSATION frame, sent to
// the requesting connection only. Messages addressed to the requester that
// made it into the reply are then marked delivered in one batched update; a
// successful write counts as a read receipt.
func (g *Gateway) handleFetch(ctx context.Context, c *client, req *protocol.FetchRequest) {
	partnerID := req.PartnerID.String()

	var since int64
	if req.MaxTimestamp != nil {
		since = *req.MaxTimestamp
	}

	msgs, err := g.store.ListConversation(ctx, ConversationID(c.userID, partnerID), since, req.Limit)
	if err != nil {
		g.logger.Error("conversation query failed", "user_id", c.userID, "partner_id", partnerID, "error", err)
		g.sendError(c, "conversation could not be loaded")
		return
	}

	body := protocol.ConversationBody{
		PartnerID:    partnerID,
		Conversation: make([]protocol.ChatRecord, len(msgs)),
	}
	var toMark []int64
	for i, m := range msgs {
		body.Conversation[i] = chatRecord(m)
		if m.ReceiverID == c.userID && !m.Delivered {
			toMark = append(toMark, m.ID)
		}
	}

	if err := c.send(protocol.Encode(protocol.ActionConversation, body)); err != nil {
		// The client never saw the page; leave the delivered flags alone.
		g.logger.Debug("conversation write failed", "conn_id", c.id, "error", err)
		return
	}

	if err := g.store.MarkDelivered(ctx, toMark); err != nil {
		g.logger.Warn("mark delivered failed", "user_id", c.userID, "count", len(toMark), "error", err)
	}
}
