package router

import (
	"fmt"
	"strings"

	"github.com/vikashloomba/mcp-hub-go/pkg/hubconfig"
)

// ScopeKind selects how a session's tool set is resolved.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeGroup
	ScopeServer
	ScopeSmart
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeGroup:
		return "group"
	case ScopeServer:
		return "server"
	case ScopeSmart:
		return "smart"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// Scope is fixed when a session is created. For ScopeGroup, Name holds the
// resolved group id; membership is read from the live settings on every
// request. For ScopeSmart, Name optionally holds a group id restricting
// search results.
type Scope struct {
	Kind ScopeKind
	Name string
}

// Global is the unscoped view of every enabled, connected server.
var Global = Scope{Kind: ScopeGlobal}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeGlobal:
		return ""
	case ScopeSmart:
		if s.Name != "" {
			return hubconfig.SmartGroup + "/" + s.Name
		}
		return hubconfig.SmartGroup
	default:
		return s.Name
	}
}

// ParseScope resolves the routing segment of an inbound URL. An empty
// segment is global; "$smart" and "$smart/<group>" select smart routing; a
// group id or name selects that group; anything else names a single server.
func ParseScope(segment string, settings *hubconfig.Settings) (Scope, error) {
	segment = strings.Trim(segment, "/")
	if segment == "" {
		return Global, nil
	}
	if segment == hubconfig.SmartGroup {
		return Scope{Kind: ScopeSmart}, nil
	}
	if rest, ok := strings.CutPrefix(segment, hubconfig.SmartGroup+"/"); ok {
		if settings == nil {
			return Scope{}, fmt.Errorf("%w %q", ErrUnknownGroup, rest)
		}
		g, found := settings.ResolveGroup(rest)
		if !found {
			return Scope{}, fmt.Errorf("%w %q", ErrUnknownGroup, rest)
		}
		return Scope{Kind: ScopeSmart, Name: groupKey(g)}, nil
	}
	if settings != nil {
		if g, found := settings.ResolveGroup(segment); found {
			return Scope{Kind: ScopeGroup, Name: groupKey(g)}, nil
		}
	}
	return Scope{Kind: ScopeServer, Name: segment}, nil
}

func groupKey(g hubconfig.Group) string {
	if g.ID != "" {
		return g.ID
	}
	return g.Name
}
