package model

// CountUnread folds messages into userID's unread total: messages in a
// conversation userID participates in, sent by someone else, with no read_at.
// conversations maps conversation id to conversation; messages outside it are ignored.
func CountUnread(userID int64, conversations map[int64]*Conversation, messages []*Message) int64 {
	var n int64
	for _, m := range messages {
		conv, ok := conversations[m.ConversationID]
		if !ok || !conv.HasParticipant(userID) {
			continue
		}
		if m.IsUnreadFor(userID) {
			n++
		}
	}
	return n
}
