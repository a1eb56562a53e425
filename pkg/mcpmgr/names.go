package mcpmgr

import "strings"

// QualifiedSeparator joins a server name and a raw tool name. Server names
// may not contain it, so the first occurrence always ends the server part.
const QualifiedSeparator = "/"

// QualifiedName returns "server/raw".
func QualifiedName(server, raw string) string {
	return server + QualifiedSeparator + raw
}

// SplitQualifiedName splits at the first separator only; raw tool names may
// themselves contain "/".
func SplitQualifiedName(name string) (server, raw string, ok bool) {
	server, raw, ok = strings.Cut(name, QualifiedSeparator)
	if !ok || server == "" || raw == "" {
		return "", "", false
	}
	return server, raw, true
}
