package game

import (
	"context"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// MatchRecorder persists finished rounds.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, result types.MatchResult) (int64, error)
}

// Round decides the winner when a level ends. EndGame takes effect once per
// round; NewRound re-arms it.
type Round struct {
	board     *ScoreBoard
	modes     types.ModeProvider
	sender    TabletSender
	recorder  MatchRecorder
	publisher types.EventPublisher
	clock     clock.PassiveClock

	mu        sync.Mutex
	ended     bool
	startedAt time.Time
	last      *types.MatchResult
}

// RoundOption configures a Round.
type RoundOption func(*Round)

// WithRecorder persists each round result.
func WithRecorder(r MatchRecorder) RoundOption {
	return func(rd *Round) { rd.recorder = r }
}

// WithPublisher mirrors each winner announcement.
func WithPublisher(p types.EventPublisher) RoundOption {
	return func(rd *Round) { rd.publisher = p }
}

// WithRoundClock replaces the clock used to time rounds.
func WithRoundClock(c clock.PassiveClock) RoundOption {
	return func(rd *Round) { rd.clock = c }
}

// NewRound creates an armed round starting now.
func NewRound(board *ScoreBoard, modes types.ModeProvider, sender TabletSender, opts ...RoundOption) *Round {
	r := &Round{
		board:  board,
		modes:  modes,
		sender: sender,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.clock.Now()
	return r
}

// EndGame compares the VR score with the tablet player's score for the
// current mode, announces the winner and records the match. It reports
// false if the round had already ended.
func (r *Round) EndGame(ctx context.Context) (types.WinnerAnnouncement, bool) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return types.WinnerAnnouncement{}, false
	}
	r.ended = true
	startedAt := r.startedAt
	r.mu.Unlock()

	mode := r.modes.CurrentMode()
	scores := r.board.Snapshot()
	tablet := r.board.TabletScore(mode)
	msg := types.NewWinnerAnnouncement(scores.VR, tablet)

	logging.Info(ctx, "🏁 Round over",
		zap.String("winner", string(msg.Winner)),
		zap.Int("vr_score", scores.VR),
		zap.Int("tablet_score", tablet),
		zap.String("mode", string(mode)),
	)

	now := r.clock.Now()
	result := types.MatchResult{
		Mode:         mode,
		Winner:       msg.Winner,
		VRScore:      scores.VR,
		TabletScore:  tablet,
		ChefScore:    scores.Chef,
		SoldadoScore: scores.Soldado,
		Duration:     now.Sub(startedAt),
		EndedAt:      now,
	}

	if r.sender != nil && r.sender.Connected() {
		if err := r.sender.SendWinner(ctx, msg); err != nil {
			logging.Warn(ctx, "Failed to send winner to tablet", zap.Error(err))
		}
	} else {
		logging.Warn(ctx, "No tablet connected to receive the result")
	}

	if r.publisher != nil {
		if err := r.publisher.PublishEvent(ctx, msg); err != nil {
			logging.Warn(ctx, "Failed to mirror winner", zap.Error(err))
		}
	}

	if r.recorder != nil {
		id, err := r.recorder.RecordMatch(ctx, result)
		if err != nil {
			logging.Error(ctx, "Failed to record match", zap.Error(err))
		} else {
			result.ID = id
		}
	}

	r.mu.Lock()
	r.last = &result
	r.mu.Unlock()
	return msg, true
}

// NewRound re-arms EndGame and restarts the round clock.
func (r *Round) NewRound(ctx context.Context) {
	r.mu.Lock()
	r.ended = false
	r.startedAt = r.clock.Now()
	r.mu.Unlock()
	logging.Info(ctx, "New round armed")
}

// Ended reports whether EndGame ran for the current round.
func (r *Round) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// LastResult returns the most recent round result, if any.
func (r *Round) LastResult() (types.MatchResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return types.MatchResult{}, false
	}
	return *r.last, true
}
