package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vikashloomba/mcp-hub-go/pkg/toolsearch"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// Indexer receives the tool inventory of every server that reaches the
// connected state, and is told to forget servers that leave it.
type Indexer interface {
	IndexServer(ctx context.Context, server string, docs []toolsearch.Document) error
	RemoveServer(server string)
}

const (
	defaultBootTimeout = 60 * time.Second
	defaultPassTimeout = 20 * time.Second
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName is advertised to upstream servers during initialization.
	ClientName string
	// ClientVersion defaults to "1.0.0".
	ClientVersion string
	// BootTimeout bounds connect and tools/list during the first
	// reconciliation pass. Servers spawned at boot often need to install
	// packages first, so this is longer than PassTimeout.
	BootTimeout time.Duration
	// PassTimeout bounds connect and tools/list on later passes. A server's
	// own timeout setting overrides it.
	PassTimeout time.Duration
	// KeepAlive pings upstream sessions at this interval when positive; a
	// failed ping closes the session and marks the server disconnected.
	KeepAlive time.Duration
	// LogJSONRPC logs JSON-RPC traffic for every server, in addition to
	// servers that enable it individually.
	LogJSONRPC bool
	// RPCLogger receives JSON-RPC traffic instead of the structured logger.
	RPCLogger RPCLogger
	// HTTPClient is the base client for SSE and streamable HTTP upstreams.
	HTTPClient *http.Client
	// Index is kept in sync with connected servers' tools when set.
	Index Indexer
	Logger *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.ClientName == "" {
		out.ClientName = "mcp-hub"
	}
	if out.ClientVersion == "" {
		out.ClientVersion = "1.0.0"
	}
	if out.BootTimeout <= 0 {
		out.BootTimeout = defaultBootTimeout
	}
	if out.PassTimeout <= 0 {
		out.PassTimeout = defaultPassTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
