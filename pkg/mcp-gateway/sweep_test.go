package mcpgateway

import (
	"context"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-hub-go/internal/upstreamtest"
	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

func TestNewHubValidatesSchedule(t *testing.T) {
	t.Parallel()
	mgr := mcpmgr.NewManager(nil)
	t.Cleanup(func() { _ = mgr.Close() })
	snapshot := &hubconfig.Snapshot{}
	rt := router.New(mgr, snapshot.Current, nil, nil)
	source := hubconfig.NewMemoryStore(&hubconfig.Settings{})

	if _, err := NewHub(mgr, rt, source, &Options{ReconnectSchedule: "every now and then"}); err == nil {
		t.Fatalf("expected an error for an invalid schedule")
	}
	for _, spec := range []string{"@every 5m", "*/10 * * * *", ""} {
		if _, err := NewHub(mgr, rt, source, &Options{ReconnectSchedule: spec}); err != nil {
			t.Fatalf("schedule %q: %v", spec, err)
		}
	}
}

func TestSweepReconnectsDisconnectedServers(t *testing.T) {
	t.Parallel()
	alpha := upstreamtest.New(t, "alpha", "ping")
	h := newTestHub(t, &hubconfig.Settings{
		Servers: hubconfig.ServerList{alpha.Descriptor("alpha")},
	}, hubConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.manager.DisconnectServer(ctx, "alpha"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if st, _ := h.manager.ServerState("alpha"); st.Status != mcpmgr.StatusDisconnected {
		t.Fatalf("status after disconnect = %s", st.Status)
	}

	h.sweep(ctx)
	if st, _ := h.manager.ServerState("alpha"); st.Status != mcpmgr.StatusConnected || len(st.Tools) != 1 {
		t.Fatalf("after sweep: status %s with %d tools", st.Status, len(st.Tools))
	}

	before := h.stateSignature()
	h.sweep(ctx)
	if after := h.stateSignature(); after != before {
		t.Fatalf("idle sweep changed state: %q -> %q", before, after)
	}
}
