package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

// transportsFor returns the transports to try, in order, for desc. A URL
// server without an explicit type tries streamable HTTP first and falls back
// to SSE. Every transport is bound to lifetime, which must outlive the
// session.
func (m *Manager) transportsFor(lifetime context.Context, desc hubconfig.ServerDescriptor) ([]mcp.Transport, error) {
	switch desc.Kind() {
	case hubconfig.TransportStdio:
		if desc.Command == "" {
			return nil, fmt.Errorf("mcpmgr: command missing for %q", desc.Name)
		}
		cmd := exec.CommandContext(lifetime, desc.Command, desc.Args...)
		if len(desc.Env) > 0 {
			env := os.Environ()
			for k, v := range desc.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return []mcp.Transport{&mcp.CommandTransport{Command: cmd}}, nil
	case hubconfig.TransportSSE:
		if desc.URL == "" {
			return nil, fmt.Errorf("mcpmgr: url missing for %q", desc.Name)
		}
		return []mcp.Transport{m.sseTransport(lifetime, desc)}, nil
	case hubconfig.TransportStreamableHTTP:
		if desc.URL == "" {
			return nil, fmt.Errorf("mcpmgr: url missing for %q", desc.Name)
		}
		streamable := &mcp.StreamableClientTransport{
			Endpoint:   desc.URL,
			HTTPClient: decorateHTTPClient(lifetime, m.options.HTTPClient, desc.Headers),
		}
		if desc.Type == "" {
			return []mcp.Transport{streamable, m.sseTransport(lifetime, desc)}, nil
		}
		return []mcp.Transport{streamable}, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported transport %q for %q", desc.Type, desc.Name)
	}
}

func (m *Manager) sseTransport(lifetime context.Context, desc hubconfig.ServerDescriptor) mcp.Transport {
	return &mcp.SSEClientTransport{
		Endpoint:   desc.URL,
		HTTPClient: decorateHTTPClient(lifetime, m.options.HTTPClient, desc.Headers),
	}
}

func (m *Manager) resolveLogger(desc hubconfig.ServerDescriptor) RPCLogger {
	if !desc.LogJSONRPC && !m.options.LogJSONRPC {
		return nil
	}
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	logger := m.options.Logger
	return func(event RPCLogEvent) {
		logger.Info("jsonrpc", "server", event.ServerID, "direction", event.Direction, "message", string(event.Message))
	}
}

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded, _ = json.Marshal(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}

// decorateHTTPClient returns a copy of base whose requests carry headers and
// are aborted once lifetime ends, including requests the SDK issues on
// detached contexts while tearing a session down.
func decorateHTTPClient(lifetime context.Context, base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}
	clone.Transport = &boundTransport{
		lifetime: lifetime,
		next:     defaultRoundTripper(base.Transport),
		headers:  hdr,
	}
	return &clone
}

type boundTransport struct {
	lifetime context.Context
	next     http.RoundTripper
	headers  http.Header
}

func (d *boundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	unhook := context.AfterFunc(d.lifetime, cancel)
	release := func() {
		unhook()
		cancel()
	}
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(ctx)
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	res, err := d.next.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}
	res.Body = &boundBody{ReadCloser: res.Body, release: release}
	return res, nil
}

// boundBody keeps the request context alive until the body is closed, so
// streamed responses outlive RoundTrip.
type boundBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
