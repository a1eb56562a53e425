package container

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-hub-go/internal/upstreamtest"
	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
	"github.com/vikashloomba/mcp-hub-go/pkg/router"
)

func TestNewRejectsBadLogging(t *testing.T) {
	t.Parallel()
	source := hubconfig.NewMemoryStore(&hubconfig.Settings{})
	if _, err := New(Config{Source: source, LogFormat: "xml"}); err == nil {
		t.Fatalf("expected an error for log format xml")
	}
	if _, err := New(Config{Source: source, LogLevel: "loud"}); err == nil {
		t.Fatalf("expected an error for log level loud")
	}
}

func TestNewRequiresSettings(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected an error without a settings source")
	}
}

func TestNewRejectsUnknownEmbedder(t *testing.T) {
	t.Parallel()
	source := hubconfig.NewMemoryStore(&hubconfig.Settings{
		SmartRouting: hubconfig.SmartRouting{Enabled: true, Embedder: "word2vec"},
	})
	_, err := New(Config{Source: source})
	if err == nil || !strings.Contains(err.Error(), "word2vec") {
		t.Fatalf("err = %v, want unknown embedder", err)
	}
}

func TestWiredHubIndexesAndSearches(t *testing.T) {
	t.Parallel()
	alpha := upstreamtest.New(t, "alpha", "ping", "echo")
	source := hubconfig.NewMemoryStore(&hubconfig.Settings{
		Servers:      hubconfig.ServerList{alpha.Descriptor("alpha")},
		SmartRouting: hubconfig.SmartRouting{Enabled: true, Embedder: "hash"},
	})
	c, err := New(Config{Source: source, LogLevel: "error"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Hub().Shutdown(context.Background())
		_ = c.Manager().Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Hub().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := len(c.Router().ListTools(router.Global)); got != 2 {
		t.Fatalf("global tools = %d, want 2", got)
	}
	result, err := c.Router().SearchTools(ctx, router.Scope{Kind: router.ScopeSmart}, "echo", 5)
	if err != nil {
		t.Fatalf("SearchTools: %v", err)
	}
	if result.Metadata.Query != "echo" {
		t.Fatalf("metadata query = %q", result.Metadata.Query)
	}
}
