package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxMessageChars = 4000
)

const (
	// DefaultWindow caps every conversation and inbox query.
	DefaultWindow = 50
	maxWindow     = 200

	// DefaultTypingIdle clears the local typing indicator after the last keystroke.
	DefaultTypingIdle = 1000 * time.Millisecond

	// reconcileSkew bounds the fallback (sender + body + time) optimistic match.
	reconcileSkew = 10 * time.Second
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
