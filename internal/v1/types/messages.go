package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType is returned for a well-formed message whose type has no handler.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage is returned when a payload is not a JSON object of the expected shape.
	ErrMalformedMessage = errors.New("malformed message")
)

type envelope struct {
	Type *string `json:"type"`
}

// ParseInbound decodes a text message sent by the tablet.
// Messages with "type":"mode" become ModeChange; messages without a type are touch
// events, with coordinates clamped into [0,1].
func ParseInbound(data []byte) (ControlMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if env.Type == nil {
		var touch TouchEvent
		if err := json.Unmarshal(data, &touch); err != nil {
			return nil, fmt.Errorf("%w: touch: %v", ErrMalformedMessage, err)
		}
		if err := touch.Validate(); err != nil {
			return nil, fmt.Errorf("%w: touch: %v", ErrMalformedMessage, err)
		}
		return touch.Clamped(), nil
	}

	switch *env.Type {
	case MsgTypeMode:
		return parseModeChange(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, *env.Type)
	}
}

// ParseOutbound decodes a text message sent by the host, as seen by the tablet.
func ParseOutbound(data []byte) (ControlMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch *env.Type {
	case MsgTypeScore:
		var msg ScoreUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: score: %v", ErrMalformedMessage, err)
		}
		return msg, nil
	case MsgTypeWinner:
		var msg WinnerAnnouncement
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: winner: %v", ErrMalformedMessage, err)
		}
		switch msg.Winner {
		case WinnerVR, WinnerTablet, WinnerTie:
		default:
			return nil, fmt.Errorf("%w: winner %q", ErrMalformedMessage, msg.Winner)
		}
		return msg, nil
	case MsgTypeMode:
		return parseModeChange(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, *env.Type)
	}
}

func parseModeChange(data []byte) (ControlMessage, error) {
	var raw struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: mode: %v", ErrMalformedMessage, err)
	}
	mode, err := ParseGameMode(raw.Mode)
	if err != nil || !mode.Playable() {
		return nil, fmt.Errorf("%w: mode %q", ErrMalformedMessage, raw.Mode)
	}
	return NewModeChange(mode), nil
}
