package main

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/config"
	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/tablet"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	tabletUpdateInterval = time.Second / 60
	demoTouchInterval    = 50 * time.Millisecond
	breakerOpenFor       = 30 * time.Second
)

func tabletCmd() *cobra.Command {
	var (
		addr         string
		mode         string
		snapshotPath string
		demoTouches  bool
	)

	cmd := &cobra.Command{
		Use:   "tablet",
		Short: "Run a headless tablet: receive frames and scores, send touches",
		Long: `Connect to a VR host as the tablet player.

Scores and the round result are logged. With --snapshot the latest frame
is written to a JPEG file about once per second. With --demo-touches the
tablet traces a circle on the screen so the host's controllers move.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ValidateTabletEnv()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			if mode != "" {
				m, err := types.ParseGameMode(mode)
				if err != nil || !m.Playable() {
					return fmt.Errorf("--mode must be Chef or Soldado (got %q)", mode)
				}
				cfg.Mode = m
			}
			if snapshotPath != "" {
				cfg.SnapshotPath = snapshotPath
			}
			return runTablet(cmd.Context(), cfg, demoTouches)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "VR host address host:port (default from TABLET_SERVER_ADDR)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Game mode to play: Chef or Soldado (default from TABLET_MODE)")
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Write the latest frame to this JPEG file")
	cmd.Flags().BoolVar(&demoTouches, "demo-touches", false, "Send a looping demo touch path")

	return cmd
}

func runTablet(parent context.Context, cfg *config.TabletConfig, demoTouches bool) error {
	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithRole(ctx, "tablet")

	dispatcher := dispatch.New()
	display := tablet.NewDisplay(cfg.SnapshotPath, nil)

	tcfg := tablet.DefaultConfig()
	tcfg.Addr = cfg.ServerAddr
	tcfg.ConnectTimeout = cfg.ConnectTimeout
	tcfg.Mode = cfg.Mode
	tcfg.MaxConsecutiveErrors = cfg.MaxConsecutiveErrors
	tcfg.MaxMessageBytes = cfg.MaxMessageBytes

	client := tablet.NewClient(tcfg, dispatcher,
		tablet.WithFrameSink(display),
		tablet.WithScoreSink(display),
		tablet.WithWinnerSink(display),
	)

	runDone := make(chan error, 1)
	go func() {
		runDone <- client.Run(ctx, tablet.NewConnectBreaker(breakerOpenFor), cfg.Reconnect)
	}()

	update := time.NewTicker(tabletUpdateInterval)
	defer update.Stop()
	stats := time.NewTicker(time.Second)
	defer stats.Stop()

	var touches <-chan time.Time
	if demoTouches {
		t := time.NewTicker(demoTouchInterval)
		defer t.Stop()
		touches = t.C
	}
	demo := newDemoPath()

	for {
		select {
		case err := <-runDone:
			dispatcher.Drain(ctx)
			if err != nil {
				logging.Error(ctx, "Tablet stopped", zap.Error(err))
			}
			return err
		case <-update.C:
			dispatcher.Drain(ctx)
		case <-stats.C:
			s := client.Stats()
			if s.Connected {
				logging.Debug(ctx, "Tablet stats",
					zap.Float64("fps", s.FPS),
					zap.Uint64("frames", s.FramesReceived),
					zap.Uint64("skipped", s.FramesSkipped),
					zap.String("score", strings.Join(display.ScoreLines(), " | ")),
				)
			}
		case <-touches:
			if !client.Connected() {
				continue
			}
			if err := client.SendTouch(ctx, demo.next()); err != nil {
				logging.Debug(ctx, "Demo touch not sent", zap.Error(err))
			}
		}
	}
}

// demoPath traces a circle, touching down once per lap.
type demoPath struct {
	step int
}

const demoStepsPerLap = 40

func newDemoPath() *demoPath {
	return &demoPath{}
}

func (p *demoPath) next() types.TouchEvent {
	i := p.step % demoStepsPerLap
	p.step++

	angle := 2 * math.Pi * float64(i) / demoStepsPerLap
	action := types.TouchMoved
	switch i {
	case 0:
		action = types.TouchBegan
	case demoStepsPerLap - 1:
		action = types.TouchEnded
	}
	return types.TouchEvent{
		ScreenX: 0.5 + 0.35*math.Cos(angle),
		ScreenY: 0.5 + 0.35*math.Sin(angle),
		Action:  action,
		TouchID: 1,
	}
}
