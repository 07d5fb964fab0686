// Package chat implements the gateway core: the connection registry, the
// WebSocket session lifecycle, and the SEND/FETCH dispatch handlers.
package chat

import "strings"

// ConversationID returns the symmetric conversation key for a pair of user
// ids: the two ids sorted lexicographically, joined by "-". Both directions
// of a pair map to the same conversation.
func ConversationID(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "-" + b
}
