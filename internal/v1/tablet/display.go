package tablet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// DefaultSnapshotInterval limits how often the latest frame is written to disk.
const DefaultSnapshotInterval = time.Second

// Display is the headless tablet screen: it keeps the latest score, mode and
// result for the status line and optionally mirrors frames to a JPEG file.
// Sink methods run on the update loop; getters are safe from any goroutine.
type Display struct {
	snapshotPath     string
	snapshotInterval time.Duration
	clock            clock.PassiveClock

	mu        sync.RWMutex
	score     *types.ScoreUpdate
	mode      types.GameMode
	winner    *types.WinnerAnnouncement
	lastWrite time.Time
	written   uint64
}

// NewDisplay creates a display. An empty snapshotPath disables snapshots.
func NewDisplay(snapshotPath string, clk clock.PassiveClock) *Display {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Display{
		snapshotPath:     snapshotPath,
		snapshotInterval: DefaultSnapshotInterval,
		clock:            clk,
	}
}

// OnFrame writes the frame to the snapshot path at most once per interval.
func (d *Display) OnFrame(jpeg []byte) {
	if d.snapshotPath == "" {
		return
	}
	now := d.clock.Now()
	d.mu.Lock()
	if !d.lastWrite.IsZero() && now.Sub(d.lastWrite) < d.snapshotInterval {
		d.mu.Unlock()
		return
	}
	d.lastWrite = now
	d.mu.Unlock()

	if err := writeFileAtomic(d.snapshotPath, jpeg); err != nil {
		logging.Warn(context.Background(), "Failed to write snapshot", zap.String("path", d.snapshotPath), zap.Error(err))
		return
	}
	d.mu.Lock()
	d.written++
	d.mu.Unlock()
}

func (d *Display) OnScore(msg types.ScoreUpdate) {
	d.mu.Lock()
	d.score = &msg
	d.mu.Unlock()
	logging.Info(context.Background(), "Score",
		zap.String("mode", string(msg.Mode)),
		zap.Int("current", msg.CurrentScore),
		zap.Int("chef", msg.ChefScore),
		zap.Int("soldado", msg.SoldadoScore),
	)
}

func (d *Display) OnModeConfirmed(mode types.GameMode) {
	d.mu.Lock()
	d.mode = mode
	d.winner = nil
	d.mu.Unlock()
	logging.Info(context.Background(), "Mode confirmed by VR host", zap.String("mode", string(mode)))
}

func (d *Display) OnWinner(msg types.WinnerAnnouncement) {
	d.mu.Lock()
	d.winner = &msg
	d.mu.Unlock()
	logging.Info(context.Background(), Headline(msg.Winner),
		zap.Int("vr_score", msg.VRScore),
		zap.Int("tablet_score", msg.TabletScore),
	)
}

// ScoreLines renders the score panel.
func (d *Display) ScoreLines() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.score == nil {
		return []string{"Score: 0"}
	}
	return []string{
		fmt.Sprintf("Score: %d", d.score.CurrentScore),
		fmt.Sprintf("Chef: %d", d.score.ChefScore),
		fmt.Sprintf("Soldado: %d", d.score.SoldadoScore),
	}
}

// Mode is the last mode the host confirmed.
func (d *Display) Mode() types.GameMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

// Result returns the end-of-round panel text, if a round has ended.
func (d *Display) Result() (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.winner == nil {
		return "", false
	}
	return fmt.Sprintf("%s\nVR: %d pts\nTablet: %d pts", Headline(d.winner.Winner), d.winner.VRScore, d.winner.TabletScore), true
}

// SnapshotsWritten counts frames mirrored to disk.
func (d *Display) SnapshotsWritten() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.written
}

// Headline is the result as seen from the tablet player.
func Headline(w types.Winner) string {
	switch w {
	case types.WinnerTablet:
		return "You win!"
	case types.WinnerTie:
		return "It's a tie!"
	default:
		return "You lose"
	}
}

// writeFileAtomic replaces path so viewers never see a half-written JPEG.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
