package types

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// --- Core Domain Types ---

// GameMode selects which gameplay controller owns tablet input and which camera is streamed.
type GameMode string

const (
	ModeNone    GameMode = "None"
	ModeChef    GameMode = "Chef"
	ModeSoldado GameMode = "Soldado"
)

// ParseGameMode accepts the wire names case-insensitively.
func ParseGameMode(s string) (GameMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ModeNone, nil
	case "chef":
		return ModeChef, nil
	case "soldado":
		return ModeSoldado, nil
	default:
		return ModeNone, fmt.Errorf("unknown game mode %q", s)
	}
}

// Playable reports whether the mode selects a gameplay controller.
func (m GameMode) Playable() bool {
	return m == ModeChef || m == ModeSoldado
}

// ModeState is the process-wide current game mode. Safe for concurrent use.
type ModeState struct {
	v atomic.Value
}

// NewModeState creates a ModeState holding initial.
func NewModeState(initial GameMode) *ModeState {
	s := &ModeState{}
	s.v.Store(initial)
	return s
}

// CurrentMode returns the active mode, ModeNone if never set.
func (s *ModeState) CurrentMode() GameMode {
	if m, ok := s.v.Load().(GameMode); ok {
		return m
	}
	return ModeNone
}

// Set stores mode and reports whether it changed.
func (s *ModeState) Set(mode GameMode) bool {
	prev, _ := s.v.Swap(mode).(GameMode)
	return prev != mode
}

// TouchAction is the phase of a touch as reported by the tablet.
type TouchAction string

const (
	TouchBegan    TouchAction = "Began"
	TouchMoved    TouchAction = "Moved"
	TouchEnded    TouchAction = "Ended"
	TouchCanceled TouchAction = "Canceled"
)

// Valid reports whether a is one of the four known phases.
func (a TouchAction) Valid() bool {
	switch a {
	case TouchBegan, TouchMoved, TouchEnded, TouchCanceled:
		return true
	}
	return false
}

// Winner names the side that won a round.
type Winner string

const (
	WinnerVR     Winner = "VR"
	WinnerTablet Winner = "Tablet"
	WinnerTie    Winner = "Tie"
)

// DecideWinner compares the VR score against the tablet score.
func DecideWinner(vrScore, tabletScore int) Winner {
	switch {
	case vrScore > tabletScore:
		return WinnerVR
	case tabletScore > vrScore:
		return WinnerTablet
	default:
		return WinnerTie
	}
}

// --- Wire Messages ---

// Values of the "type" discriminator field.
const (
	MsgTypeScore  = "score"
	MsgTypeWinner = "winner"
	MsgTypeMode   = "mode"
	// MsgTypeTouch is never sent on the wire; touch events carry no type field.
	MsgTypeTouch = "touch"
)

// ControlMessage is any decoded text message exchanged with the tablet.
type ControlMessage interface {
	Kind() string
}

// TouchEvent is a single touch sample in normalized screen coordinates.
type TouchEvent struct {
	ScreenX float64     `json:"screenX"`
	ScreenY float64     `json:"screenY"`
	Action  TouchAction `json:"action"`
	TouchID int         `json:"touchId"`
}

func (TouchEvent) Kind() string { return MsgTypeTouch }

// Validate checks coordinates are finite numbers and the action is known.
// Coordinates outside [0,1] are accepted; see Clamped.
func (e TouchEvent) Validate() error {
	if math.IsNaN(e.ScreenX) || math.IsInf(e.ScreenX, 0) {
		return fmt.Errorf("screenX not a number: %v", e.ScreenX)
	}
	if math.IsNaN(e.ScreenY) || math.IsInf(e.ScreenY, 0) {
		return fmt.Errorf("screenY not a number: %v", e.ScreenY)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("unknown touch action %q", e.Action)
	}
	return nil
}

// Clamped returns a copy with coordinates forced into [0,1].
func (e TouchEvent) Clamped() TouchEvent {
	e.ScreenX = clamp01(e.ScreenX)
	e.ScreenY = clamp01(e.ScreenY)
	return e
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ModeChange switches the active game mode.
type ModeChange struct {
	Type string   `json:"type"`
	Mode GameMode `json:"mode"`
}

func (ModeChange) Kind() string { return MsgTypeMode }

// NewModeChange builds a mode message ready for the wire.
func NewModeChange(mode GameMode) ModeChange {
	return ModeChange{Type: MsgTypeMode, Mode: mode}
}

// ScoreUpdate carries the running scores to the tablet.
type ScoreUpdate struct {
	Type         string   `json:"type"`
	Mode         GameMode `json:"mode"`
	ChefScore    int      `json:"chefScore"`
	SoldadoScore int      `json:"soldadoScore"`
	CurrentScore int      `json:"currentScore"`
}

func (ScoreUpdate) Kind() string { return MsgTypeScore }

// NewScoreUpdate builds a score message ready for the wire.
func NewScoreUpdate(mode GameMode, chef, soldado, current int) ScoreUpdate {
	return ScoreUpdate{
		Type:         MsgTypeScore,
		Mode:         mode,
		ChefScore:    chef,
		SoldadoScore: soldado,
		CurrentScore: current,
	}
}

// WinnerAnnouncement is sent once when a round ends.
type WinnerAnnouncement struct {
	Type        string `json:"type"`
	Winner      Winner `json:"winner"`
	VRScore     int    `json:"vrScore"`
	TabletScore int    `json:"tabletScore"`
}

func (WinnerAnnouncement) Kind() string { return MsgTypeWinner }

// NewWinnerAnnouncement decides the winner and builds the message.
func NewWinnerAnnouncement(vrScore, tabletScore int) WinnerAnnouncement {
	return WinnerAnnouncement{
		Type:        MsgTypeWinner,
		Winner:      DecideWinner(vrScore, tabletScore),
		VRScore:     vrScore,
		TabletScore: tabletScore,
	}
}

// --- Match History ---

// MatchResult is one finished round as persisted in match history.
type MatchResult struct {
	ID           int64         `json:"id"`
	Mode         GameMode      `json:"mode"`
	Winner       Winner        `json:"winner"`
	VRScore      int           `json:"vrScore"`
	TabletScore  int           `json:"tabletScore"`
	ChefScore    int           `json:"chefScore"`
	SoldadoScore int           `json:"soldadoScore"`
	Duration     time.Duration `json:"duration"`
	EndedAt      time.Time     `json:"endedAt"`
}
