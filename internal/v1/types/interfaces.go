package types

import "context"

// --- Shared Interfaces ---

// TouchHandler receives tablet touches for the gameplay controller of one mode.
// Called on the update loop, never from a network goroutine.
type TouchHandler interface {
	HandleTouch(ctx context.Context, ev TouchEvent)
}

// TouchHandlerFunc adapts a function to TouchHandler.
type TouchHandlerFunc func(ctx context.Context, ev TouchEvent)

func (f TouchHandlerFunc) HandleTouch(ctx context.Context, ev TouchEvent) { f(ctx, ev) }

// StatusObserver is the UI hook for human-readable connection status.
type StatusObserver interface {
	OnStatusChanged(status string)
}

// SessionInfo identifies one accepted tablet connection.
type SessionInfo struct {
	ID         string
	RemoteAddr string
}

// ConnectionObserver is notified on the update loop when a tablet connects or disconnects.
type ConnectionObserver interface {
	OnConnected(info SessionInfo)
	OnDisconnected(info SessionInfo, reason error)
}

// ModeProvider exposes the current game mode.
type ModeProvider interface {
	CurrentMode() GameMode
}

// MessageSender delivers a JSON text message to the peer.
type MessageSender interface {
	SendJSON(ctx context.Context, v any) error
}

// FrameSink receives decoded JPEG frames on the tablet side.
type FrameSink interface {
	OnFrame(jpeg []byte)
}

// ScoreSink receives score and mode updates on the tablet side.
type ScoreSink interface {
	OnScore(msg ScoreUpdate)
	OnModeConfirmed(mode GameMode)
}

// WinnerSink receives the end-of-round announcement on the tablet side.
type WinnerSink interface {
	OnWinner(msg WinnerAnnouncement)
}

// EventPublisher mirrors host events to an external consumer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, msg ControlMessage) error
}
