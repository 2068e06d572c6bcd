package game

import (
	"context"
	"sync"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
)

// TabletSender delivers game messages to the connected tablet.
type TabletSender interface {
	Connected() bool
	SendScore(ctx context.Context, msg types.ScoreUpdate) error
	SendWinner(ctx context.Context, msg types.WinnerAnnouncement) error
}

// Scores is a snapshot of the scoreboard.
type Scores struct {
	Chef    int `json:"chef"`
	Soldado int `json:"soldado"`
	VR      int `json:"vr"`
}

// ScoreBoard keeps the tablet-side scores (one per mode) and the VR score.
// Every change to a tablet-side score is pushed to the tablet. Mutations are
// expected on the update loop; reads are safe from any goroutine.
type ScoreBoard struct {
	modes     types.ModeProvider
	sender    TabletSender
	publisher types.EventPublisher

	mu      sync.RWMutex
	chef    int
	soldado int
	vr      int
}

// NewScoreBoard creates an empty scoreboard. publisher may be nil.
func NewScoreBoard(modes types.ModeProvider, sender TabletSender, publisher types.EventPublisher) *ScoreBoard {
	return &ScoreBoard{modes: modes, sender: sender, publisher: publisher}
}

// AddChef adds points for blocked projectiles.
func (b *ScoreBoard) AddChef(ctx context.Context, points int) {
	b.mu.Lock()
	b.chef += points
	total := b.chef
	b.mu.Unlock()

	logging.Debug(ctx, "Chef scored", zap.Int("points", points), zap.Int("total", total))
	b.push(ctx)
}

// AddSoldado adds points for birds shot down.
func (b *ScoreBoard) AddSoldado(ctx context.Context, points int) {
	b.mu.Lock()
	b.soldado += points
	total := b.soldado
	b.mu.Unlock()

	logging.Debug(ctx, "Soldado scored", zap.Int("points", points), zap.Int("total", total))
	b.push(ctx)
}

// AddVR adjusts the VR player's score. Negative points are allowed.
// The VR score is never sent with score updates, only in the round result.
func (b *ScoreBoard) AddVR(ctx context.Context, points int) {
	b.mu.Lock()
	b.vr += points
	total := b.vr
	b.mu.Unlock()

	logging.Debug(ctx, "VR scored", zap.Int("points", points), zap.Int("total", total))
}

// ResetCurrent zeroes the score of the active mode.
func (b *ScoreBoard) ResetCurrent(ctx context.Context) {
	switch b.modes.CurrentMode() {
	case types.ModeChef:
		b.ResetChef(ctx)
	case types.ModeSoldado:
		b.ResetSoldado(ctx)
	}
}

// ResetChef zeroes the chef score.
func (b *ScoreBoard) ResetChef(ctx context.Context) {
	b.mu.Lock()
	b.chef = 0
	b.mu.Unlock()
	b.push(ctx)
}

// ResetSoldado zeroes the soldado score.
func (b *ScoreBoard) ResetSoldado(ctx context.Context) {
	b.mu.Lock()
	b.soldado = 0
	b.mu.Unlock()
	b.push(ctx)
}

// ResetAll zeroes every score, VR included.
func (b *ScoreBoard) ResetAll(ctx context.Context) {
	b.mu.Lock()
	b.chef, b.soldado, b.vr = 0, 0, 0
	b.mu.Unlock()
	logging.Info(ctx, "Scores reset")
	b.push(ctx)
}

// Snapshot returns all three scores.
func (b *ScoreBoard) Snapshot() Scores {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Scores{Chef: b.chef, Soldado: b.soldado, VR: b.vr}
}

// CurrentScore is the chef score in Chef mode and the soldado score otherwise.
func (b *ScoreBoard) CurrentScore(mode types.GameMode) int {
	s := b.Snapshot()
	if mode == types.ModeChef {
		return s.Chef
	}
	return s.Soldado
}

// TabletScore is the score the tablet player is judged on in mode.
func (b *ScoreBoard) TabletScore(mode types.GameMode) int {
	s := b.Snapshot()
	switch mode {
	case types.ModeChef:
		return s.Chef
	case types.ModeSoldado:
		return s.Soldado
	default:
		return 0
	}
}

// Update builds the score message for the active mode.
func (b *ScoreBoard) Update() types.ScoreUpdate {
	mode := b.modes.CurrentMode()
	s := b.Snapshot()
	return types.NewScoreUpdate(mode, s.Chef, s.Soldado, b.CurrentScore(mode))
}

// Resend pushes the current scores again, e.g. after a tablet connects or the mode changes.
func (b *ScoreBoard) Resend(ctx context.Context) {
	b.push(ctx)
}

func (b *ScoreBoard) push(ctx context.Context) {
	msg := b.Update()

	if b.publisher != nil {
		if err := b.publisher.PublishEvent(ctx, msg); err != nil {
			logging.Warn(ctx, "Failed to mirror score update", zap.Error(err))
		}
	}

	if b.sender == nil || !b.sender.Connected() {
		logging.Debug(ctx, "No tablet connected to receive score")
		return
	}
	if err := b.sender.SendScore(ctx, msg); err != nil {
		logging.Warn(ctx, "Failed to send score to tablet", zap.Error(err))
	}
}
