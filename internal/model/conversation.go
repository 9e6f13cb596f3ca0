package model

import "time"

// Conversation is the unique thread between two portal users. The unordered
// pair {ParticipantA, ParticipantB} identifies it; A is whoever made first contact.
type Conversation struct {
	ID           int64     `json:"id" db:"id"`
	ParticipantA int64     `json:"participantA" db:"participant_a"`
	ParticipantB int64     `json:"participantB" db:"participant_b"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	return userID != 0 && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Peer returns the other participant from userID's point of view, or 0 when
// userID does not participate.
func (c *Conversation) Peer(userID int64) int64 {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return 0
}

// NormalizePair orders a user pair so that both argument orders map to the same key.
func NormalizePair(userA, userB int64) (low, high int64) {
	if userA < userB {
		return userA, userB
	}
	return userB, userA
}
