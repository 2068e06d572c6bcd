package main

import (
	"testing"

	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	"github.com/stretchr/testify/assert"
)

func TestDemoPath(t *testing.T) {
	p := newDemoPath()

	first := p.next()
	assert.Equal(t, types.TouchBegan, first.Action)
	assert.NoError(t, first.Validate())

	for i := 1; i < demoStepsPerLap-1; i++ {
		ev := p.next()
		assert.Equal(t, types.TouchMoved, ev.Action)
		assert.NoError(t, ev.Validate())
	}
	assert.Equal(t, types.TouchEnded, p.next().Action)
	assert.Equal(t, types.TouchBegan, p.next().Action, "the path loops")
}
