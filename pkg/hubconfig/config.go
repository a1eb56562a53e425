// Package hubconfig holds the hub's settings model: upstream server
// descriptors, groups, routing flags, and smart-routing settings. Settings are
// read as snapshots; callers that need to change them clone, mutate, and save.
package hubconfig

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// SmartGroup is the reserved pseudo-group selecting search-then-call routing.
const SmartGroup = "$smart"

var (
	ErrServerExists   = errors.New("hubconfig: server already exists")
	ErrServerNotFound = errors.New("hubconfig: server not found")
)

// TransportKind identifies how the hub reaches an upstream server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ToolOverride adjusts how a single upstream tool is exposed.
type ToolOverride struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// IsEnabled reports whether the tool is visible. Tools are enabled unless the
// override says otherwise.
func (o ToolOverride) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// ServerDescriptor describes one upstream server. Name is the key it was
// declared under and is unique within Settings.
type ServerDescriptor struct {
	Name       string                  `yaml:"-"`
	Type       TransportKind           `yaml:"type,omitempty"`
	Command    string                  `yaml:"command,omitempty"`
	Args       []string                `yaml:"args,omitempty"`
	Env        map[string]string       `yaml:"env,omitempty"`
	URL        string                  `yaml:"url,omitempty"`
	Headers    map[string]string       `yaml:"headers,omitempty"`
	Enabled    *bool                   `yaml:"enabled,omitempty"`
	Timeout    time.Duration           `yaml:"timeout,omitempty"`
	LogJSONRPC bool                    `yaml:"logJsonRpc,omitempty"`
	Tools      map[string]ToolOverride `yaml:"tools,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (d ServerDescriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Kind returns the declared transport, inferring it from the connection
// parameters when Type is empty.
func (d ServerDescriptor) Kind() TransportKind {
	if d.Type != "" {
		return d.Type
	}
	if d.Command != "" {
		return TransportStdio
	}
	if strings.HasSuffix(strings.TrimRight(d.URL, "/"), "/sse") {
		return TransportSSE
	}
	if d.URL != "" {
		return TransportStreamableHTTP
	}
	return ""
}

// Validate reports missing or inconsistent connection parameters.
func (d ServerDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("hubconfig: server name is required")
	}
	if strings.Contains(d.Name, "/") {
		return fmt.Errorf("hubconfig: server name %q must not contain '/'", d.Name)
	}
	switch d.Kind() {
	case TransportStdio:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("hubconfig: server %q has empty command", d.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("hubconfig: server %q has empty url", d.Name)
		}
	case "":
		return fmt.Errorf("hubconfig: server %q needs a command or url", d.Name)
	default:
		return fmt.Errorf("hubconfig: server %q has unknown type %q", d.Name, d.Type)
	}
	return nil
}

// SameConnection reports whether two descriptors would produce the same
// upstream connection. Tool overrides and the enabled flag are not part of
// the connection identity.
func (d ServerDescriptor) SameConnection(other ServerDescriptor) bool {
	return d.Name == other.Name &&
		d.Kind() == other.Kind() &&
		d.Command == other.Command &&
		slices.Equal(d.Args, other.Args) &&
		maps.Equal(d.Env, other.Env) &&
		d.URL == other.URL &&
		maps.Equal(d.Headers, other.Headers) &&
		d.Timeout == other.Timeout &&
		d.LogJSONRPC == other.LogJSONRPC
}

// Override returns the override for a raw tool name.
func (d ServerDescriptor) Override(rawName string) (ToolOverride, bool) {
	o, ok := d.Tools[rawName]
	return o, ok
}

// Clone returns a deep copy.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Env = maps.Clone(d.Env)
	out.Headers = maps.Clone(d.Headers)
	if d.Enabled != nil {
		v := *d.Enabled
		out.Enabled = &v
	}
	if d.Tools != nil {
		out.Tools = make(map[string]ToolOverride, len(d.Tools))
		for k, v := range d.Tools {
			if v.Enabled != nil {
				e := *v.Enabled
				v.Enabled = &e
			}
			out.Tools[k] = v
		}
	}
	return out
}

// GroupMember names a server in a group and optionally restricts which of its
// tools are visible through the group. Tool patterns use doublestar globs.
type GroupMember struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools,omitempty"`
}

// AllowsTool reports whether the raw tool name passes the member's patterns.
// An empty pattern list allows every tool.
func (m GroupMember) AllowsTool(rawName string) bool {
	if len(m.Tools) == 0 {
		return true
	}
	for _, pattern := range m.Tools {
		if ok, err := doublestar.Match(pattern, rawName); err == nil && ok {
			return true
		}
	}
	return false
}

// Group is an ordered set of member servers.
type Group struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name,omitempty"`
	Description string        `yaml:"description,omitempty"`
	Servers     []GroupMember `yaml:"servers"`
}

// MemberNames returns the member server names in declaration order.
func (g Group) MemberNames() []string {
	names := make([]string, 0, len(g.Servers))
	for _, m := range g.Servers {
		names = append(names, m.Name)
	}
	return names
}

// Member returns the membership entry for a server.
func (g Group) Member(server string) (GroupMember, bool) {
	for _, m := range g.Servers {
		if m.Name == server {
			return m, true
		}
	}
	return GroupMember{}, false
}

// Routing carries the boundary flags checked by the session layer.
type Routing struct {
	EnableGlobalRoute *bool  `yaml:"enableGlobalRoute,omitempty"`
	EnableBearerAuth  bool   `yaml:"enableBearerAuth,omitempty"`
	BearerAuthKey     string `yaml:"bearerAuthKey,omitempty"`
}

// GlobalRouteEnabled defaults to true.
func (r Routing) GlobalRouteEnabled() bool {
	return r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// SmartRouting configures the similarity index behind $smart.
type SmartRouting struct {
	Enabled        bool   `yaml:"enabled,omitempty"`
	Embedder       string `yaml:"embedder,omitempty"`
	OpenAIAPIKey   string `yaml:"openaiApiKey,omitempty"`
	OpenAIBaseURL  string `yaml:"openaiBaseUrl,omitempty"`
	EmbeddingModel string `yaml:"embeddingModel,omitempty"`
}

// Settings is one snapshot of the hub configuration.
type Settings struct {
	Servers      ServerList   `yaml:"mcpServers"`
	Groups       []Group      `yaml:"groups,omitempty"`
	Routing      Routing      `yaml:"routing,omitempty"`
	SmartRouting SmartRouting `yaml:"smartRouting,omitempty"`
}

// Clone returns a deep copy so the receiver is never mutated in place.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return &Settings{}
	}
	out := &Settings{Routing: s.Routing, SmartRouting: s.SmartRouting}
	if s.Routing.EnableGlobalRoute != nil {
		v := *s.Routing.EnableGlobalRoute
		out.Routing.EnableGlobalRoute = &v
	}
	out.Servers = make(ServerList, 0, len(s.Servers))
	for _, d := range s.Servers {
		out.Servers = append(out.Servers, d.Clone())
	}
	out.Groups = make([]Group, 0, len(s.Groups))
	for _, g := range s.Groups {
		cp := g
		cp.Servers = make([]GroupMember, 0, len(g.Servers))
		for _, m := range g.Servers {
			cp.Servers = append(cp.Servers, GroupMember{Name: m.Name, Tools: slices.Clone(m.Tools)})
		}
		out.Groups = append(out.Groups, cp)
	}
	return out
}

// Server returns the descriptor with the given name.
func (s *Settings) Server(name string) (ServerDescriptor, bool) {
	if s == nil {
		return ServerDescriptor{}, false
	}
	i := s.Servers.index(name)
	if i < 0 {
		return ServerDescriptor{}, false
	}
	return s.Servers[i], true
}

// ResolveGroup finds a group by id first, then by name.
func (s *Settings) ResolveGroup(idOrName string) (Group, bool) {
	if s == nil || idOrName == "" {
		return Group{}, false
	}
	for _, g := range s.Groups {
		if g.ID == idOrName {
			return g, true
		}
	}
	for _, g := range s.Groups {
		if g.Name != "" && g.Name == idOrName {
			return g, true
		}
	}
	return Group{}, false
}

// MembersOf returns the member server names of the group with the given id.
func (s *Settings) MembersOf(groupID string) []string {
	if s == nil {
		return nil
	}
	for _, g := range s.Groups {
		if g.ID == groupID {
			return g.MemberNames()
		}
	}
	return nil
}

// Validate checks every server and group. Server errors are joined so callers
// can report all of them; the hub itself validates servers one by one.
func (s *Settings) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(s.Servers))
	for _, d := range s.Servers {
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("hubconfig: duplicate server %q", d.Name))
		}
		seen[d.Name] = struct{}{}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range s.Groups {
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("hubconfig: group %q has empty id", g.Name))
		}
		if g.ID == SmartGroup || g.Name == SmartGroup || strings.HasPrefix(g.ID, SmartGroup+"/") {
			errs = append(errs, fmt.Errorf("hubconfig: group id/name %q is reserved", SmartGroup))
		}
	}
	return errors.Join(errs...)
}

// ServerList keeps servers in declaration order. It is encoded as a mapping
// keyed by server name.
type ServerList []ServerDescriptor

func (l ServerList) index(name string) int {
	return slices.IndexFunc(l, func(d ServerDescriptor) bool { return d.Name == name })
}

// Names returns the server names in declaration order.
func (l ServerList) Names() []string {
	names := make([]string, 0, len(l))
	for _, d := range l {
		names = append(names, d.Name)
	}
	return names
}

// Equal reports deep equality, used by tests and change detection.
func (l ServerList) Equal(other ServerList) bool {
	return reflect.DeepEqual(l, other)
}
