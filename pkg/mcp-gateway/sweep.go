package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	robfigcron "github.com/robfig/cron/v3"
)

var sweepParser = robfigcron.NewParser(
	robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
)

// StartSweep runs a reconciliation pass over the settings in effect on
// Options.ReconnectSchedule, giving disconnected servers one more attempt per
// tick. Connected servers are carried over untouched. It blocks until ctx is
// cancelled and returns nil immediately when no schedule is configured.
func (h *Hub) StartSweep(ctx context.Context) error {
	spec := h.opts.ReconnectSchedule
	if spec == "" {
		return nil
	}
	sched, err := sweepParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("mcpgateway: invalid reconnect schedule %q: %w", spec, err)
	}

	c := robfigcron.New(robfigcron.WithChain(robfigcron.SkipIfStillRunning(robfigcron.DiscardLogger)))
	c.Schedule(sched, robfigcron.FuncJob(func() { h.sweep(ctx) }))
	c.Start()
	h.opts.Logger.Info("reconnect sweep started", "schedule", spec)

	<-ctx.Done()
	<-c.Stop().Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (h *Hub) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	before := h.stateSignature()
	h.manager.Reconcile(ctx, h.Settings().Servers, false)
	if h.stateSignature() != before {
		h.notifyToolsChanged(ctx)
	}
}

// stateSignature summarizes which servers are connected with how many tools.
func (h *Hub) stateSignature() string {
	var b strings.Builder
	for _, st := range h.manager.ListServerStates() {
		fmt.Fprintf(&b, "%s:%s:%d;", st.Name, st.Status, len(st.Tools))
	}
	return b.String()
}
