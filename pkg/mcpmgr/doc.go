// Package mcpmgr keeps one Model Context Protocol client session per enabled
// upstream server and republishes the tools those servers expose.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager and drive it with Reconcile, passing the full list of
//     hubconfig.ServerDescriptor values each time the configuration changes.
//   - Every server moves through connecting, connected and disconnected.
//     ListServerStates and ServerState expose snapshots, including the last
//     connection error, for admin surfaces.
//   - Tools are published under qualified names ("server/tool"). Lookup
//     resolves a qualified name through a dispatch table rebuilt whenever a
//     server changes state, and CallTool forwards an invocation to the owning
//     session, relaying progress notifications back to the caller.
//
// Reconcile never retries a failed server on its own. A later pass (after a
// configuration change, or from a scheduled sweep run by the caller) is the
// only way a disconnected server comes back.
package mcpmgr
