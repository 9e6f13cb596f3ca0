package realtime

import "strconv"

const (
	// SubjectConversationPrefix is followed by the conversation id.
	// Full form: portal.dm.conversation.{conversation_id}
	SubjectConversationPrefix = "portal.dm.conversation."
)

// BuildConversationSubject returns the channel name of a conversation.
func BuildConversationSubject(conversationID int64) string {
	return SubjectConversationPrefix + strconv.FormatInt(conversationID, 10)
}
