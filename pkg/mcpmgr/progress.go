package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProgressSink receives progress notifications relayed from an upstream call.
// *mcp.ServerSession satisfies it.
type ProgressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressTracker maps the tokens the hub hands to upstream servers back to
// the downstream session and token that asked for progress. Upstream tokens
// are generated per call so two sessions reusing the same token never collide.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	sink  ProgressSink
	token any
	seq   uint64
}

// Late notifications may trail the tools/call response slightly.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track rewrites params to carry a fresh upstream token when the caller asked
// for progress with downstream. The returned func releases the route.
func (pt *progressTracker) track(server string, sink ProgressSink, downstream any, params *mcp.CallToolParams) func() {
	if sink == nil || downstream == nil || params == nil {
		return func() {}
	}
	token, ok := normalizeProgressToken(downstream)
	if !ok {
		pt.logger.Warn("progress token unsupported", "server", server, "token", downstream)
		return func() {}
	}
	upstream := fmt.Sprintf("hub/%s/%d", server, pt.counter.Add(1))
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
	params.SetProgressToken(upstream)

	key := progressKey(server, upstream)
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.routes[key] = progressRoute{sink: sink, token: token, seq: seq}
	pt.mu.Unlock()
	return func() {
		if pt.cleanupGrace <= 0 {
			pt.remove(key, seq)
			return
		}
		time.AfterFunc(pt.cleanupGrace, func() { pt.remove(key, seq) })
	}
}

func (pt *progressTracker) remove(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.routes[key]; ok && current.seq == seq {
		delete(pt.routes, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(server string, token any) (progressRoute, bool) {
	upstream, ok := token.(string)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.RLock()
	route, ok := pt.routes[progressKey(server, upstream)]
	pt.mu.RUnlock()
	return route, ok
}

// forward relays an upstream progress notification under the downstream
// token. Notifications for unknown tokens are dropped.
func (pt *progressTracker) forward(ctx context.Context, server string, params *mcp.ProgressNotificationParams) {
	if params == nil {
		return
	}
	route, ok := pt.lookup(server, params.ProgressToken)
	if !ok {
		return
	}
	relayed := *params
	relayed.ProgressToken = route.token
	if err := route.sink.NotifyProgress(ctx, &relayed); err != nil {
		pt.logger.Warn("forward progress failed", "server", server, "error", err)
	}
}

func progressKey(server, token string) string {
	return server + "|" + token
}

// normalizeProgressToken maps JSON-decoded tokens to the string or integer
// forms the protocol allows.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return nil, false
	}
}
