package event

// ChatRef is the payload of typing and membership frames.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// Ping is a liveness probe. The server echoes RequestID in its pong.
type Ping struct {
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}
