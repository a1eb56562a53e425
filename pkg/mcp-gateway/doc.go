// Package mcpgateway terminates downstream MCP sessions for the hub. Clients
// connect over the event-stream style (GET <base>/sse[/<scope>] plus POST
// <base>/messages?sessionId=) or the streaming-request style
// (<base>/mcp[/<scope>] with the Mcp-Session-Id header). The optional path
// segment fixes the session's routing scope: a group id or name, a server
// name, "$smart" or "$smart/<group>".
//
// Each session gets its own protocol server whose tools/list and tools/call
// are answered by a router.Router, so every request sees the live upstream
// state. Open sessions live in a Registry; a session's entry is removed when
// its transport closes. Configuration changes go through NotifyConfigChanged,
// which reconciles the upstream servers and sends tools/list_changed to every
// open session.
package mcpgateway
