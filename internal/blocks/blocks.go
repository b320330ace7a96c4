// Package blocks defines the message content block wire format. A logical
// message is an ordered array of blocks, extended in place as a multi-step
// interaction progresses.
package blocks

// Block types.
const (
	TypePlainMessage     = "PlainMessage"
	TypeUserJoined       = "UserJoined"
	TypeUserConnected    = "UserConnected"
	TypeUserDisconnected = "UserDisconnected"
	TypeStartGame        = "StartGame"
	TypeMultipleChoice   = "MultipleChoice"
)

// Option is one selectable choice in a MultipleChoice block.
type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Block is one element of a message's contents. Type selects which of the
// optional fields are meaningful.
type Block struct {
	Type string `json:"type"`

	// PlainMessage
	AvatarID string `json:"avatarId,omitempty"`
	Message  string `json:"message,omitempty"`

	// UserJoined / UserConnected / UserDisconnected
	UserID string `json:"userId,omitempty"`

	// StartGame
	GameID string `json:"gameId,omitempty"`

	// MultipleChoice
	Text        string   `json:"text,omitempty"`
	ShowConfirm bool     `json:"showConfirm,omitempty"`
	Options     []Option `json:"options,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// PlainMessage builds a plain chat message block.
func PlainMessage(avatarID, message, timestamp string) Block {
	return Block{Type: TypePlainMessage, AvatarID: avatarID, Message: message, Timestamp: timestamp}
}

// UserJoined builds a join notification block.
func UserJoined(userID, timestamp string) Block {
	return Block{Type: TypeUserJoined, UserID: userID, Timestamp: timestamp}
}

// UserConnected builds a connect notification block.
func UserConnected(userID, timestamp string) Block {
	return Block{Type: TypeUserConnected, UserID: userID, Timestamp: timestamp}
}

// UserDisconnected builds a disconnect notification block.
func UserDisconnected(userID, timestamp string) Block {
	return Block{Type: TypeUserDisconnected, UserID: userID, Timestamp: timestamp}
}

// StartGame builds a game-start block.
func StartGame(gameID, timestamp string) Block {
	return Block{Type: TypeStartGame, GameID: gameID, Timestamp: timestamp}
}

// MultipleChoice builds a prompt block with selectable options.
func MultipleChoice(text string, showConfirm bool, options []Option) Block {
	return Block{Type: TypeMultipleChoice, Text: text, ShowConfirm: showConfirm, Options: options}
}
