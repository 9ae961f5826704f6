package testutil

import (
	"context"
	"errors"
	"sync/atomic"

	"debugbar_relay/internal/panel"
)

// RecordingPanel counts renders and can be told to fail.
type RecordingPanel struct {
	TabHTML  string
	BodyHTML string
	Err      error
	Panic    any
	// Nest pushes this many output buffers before failing, leaving them open.
	Nest int

	tabs   atomic.Int64
	bodies atomic.Int64
}

func (p *RecordingPanel) Tab(ctx context.Context) (string, error) {
	p.tabs.Add(1)
	return p.TabHTML, nil
}

func (p *RecordingPanel) Body(ctx context.Context) (string, error) {
	p.bodies.Add(1)
	buffers := panel.BuffersFrom(ctx)
	for i := 0; i < p.Nest; i++ {
		buffers.Push()
		_, _ = buffers.WriteString("partial output")
	}
	if p.Panic != nil {
		panic(p.Panic)
	}
	if p.Err != nil {
		return "", p.Err
	}
	return p.BodyHTML, nil
}

func (p *RecordingPanel) Tabs() int64   { return p.tabs.Load() }
func (p *RecordingPanel) Bodies() int64 { return p.bodies.Load() }

var ErrPanelBroken = errors.New("panel broken")
