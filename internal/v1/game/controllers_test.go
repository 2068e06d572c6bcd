package game

import (
	"context"
	"testing"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestPanController_MapsTouchIntoArea(t *testing.T) {
	pan := NewPanController(PanArea{Center: Vec2{X: 1, Y: 2}, Size: Vec2{X: 4, Y: 2}, InvertX: true})
	ctx := context.Background()

	_, ok := pan.Target()
	assert.False(t, ok)

	pan.HandleTouch(ctx, types.TouchEvent{ScreenX: 0, ScreenY: 0, Action: types.TouchBegan})
	pos, ok := pan.Target()
	require.True(t, ok)
	assert.InDelta(t, 3.0, pos.X, 1e-9, "x is mirrored")
	assert.InDelta(t, 1.0, pos.Y, 1e-9)
	assert.True(t, pan.IndicatorVisible())

	pan.HandleTouch(ctx, types.TouchEvent{ScreenX: 0.5, ScreenY: 1, Action: types.TouchEnded})
	pos, _ = pan.Target()
	assert.InDelta(t, 1.0, pos.X, 1e-9)
	assert.InDelta(t, 3.0, pos.Y, 1e-9)
	assert.False(t, pan.IndicatorVisible())
}

func TestPanController_ClampsOutOfRange(t *testing.T) {
	pan := NewPanController(PanArea{Size: Vec2{X: 2, Y: 2}})
	pan.HandleTouch(context.Background(), types.TouchEvent{ScreenX: 7, ScreenY: -3, Action: types.TouchMoved})

	pos, _ := pan.Target()
	assert.InDelta(t, 1.0, pos.X, 1e-9)
	assert.InDelta(t, -1.0, pos.Y, 1e-9)

	pan.Reset()
	pos, ok := pan.Target()
	assert.False(t, ok)
	assert.Equal(t, Vec2{}, pos)
}

func TestShooterController_Cooldown(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Now())
	var fired []Shot
	shooter := NewShooterController(500*time.Millisecond, clk, func(_ context.Context, s Shot) {
		fired = append(fired, s)
	})
	ctx := context.Background()
	tap := types.TouchEvent{ScreenX: 0.25, ScreenY: 0.75, Action: types.TouchBegan}

	shooter.HandleTouch(ctx, tap)
	shooter.HandleTouch(ctx, types.TouchEvent{ScreenX: 0.5, ScreenY: 0.5, Action: types.TouchMoved})
	clk.SetTime(clk.Now().Add(200 * time.Millisecond))
	shooter.HandleTouch(ctx, tap)

	assert.Equal(t, uint64(1), shooter.Shots())

	clk.SetTime(clk.Now().Add(300 * time.Millisecond))
	shooter.HandleTouch(ctx, tap)
	assert.Equal(t, uint64(2), shooter.Shots())

	require.Len(t, fired, 2)
	last, ok := shooter.LastShot()
	require.True(t, ok)
	assert.Equal(t, Vec2{X: 0.25, Y: 0.75}, last.At)
	assert.Equal(t, clk.Now(), last.FiredAt)
}
