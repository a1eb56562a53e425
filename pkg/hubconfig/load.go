package hubconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Parse decodes a settings document. YAML and JSON are both accepted.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if len(bytes.TrimSpace(data)) == 0 {
		return &s, nil
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("hubconfig: parse settings: %w", err)
	}
	return &s, nil
}

// Load reads and parses the settings file. A missing file yields empty
// settings so a fresh hub can start and have servers added later.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("hubconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes the settings as YAML. Writers are serialized with an advisory
// lock next to the file and the content is replaced atomically.
func Save(path string, s *Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("hubconfig: encode settings: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hubconfig: create %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("hubconfig: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("hubconfig: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hubconfig: write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hubconfig: write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("hubconfig: replace %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandString replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func expandMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = expandString(v)
	}
	return out
}

// ExpandEnv returns a copy of the descriptor with ${VAR} references in its
// connection parameters resolved.
func (d ServerDescriptor) ExpandEnv() ServerDescriptor {
	out := d.Clone()
	out.Command = expandString(d.Command)
	for i, arg := range out.Args {
		out.Args[i] = expandString(arg)
	}
	out.Env = expandMap(d.Env)
	out.URL = expandString(d.URL)
	out.Headers = expandMap(d.Headers)
	return out
}

// ExpandEnv returns a copy of the settings with environment references
// resolved. The receiver keeps the raw references so saving never persists
// secrets pulled from the environment.
func (s *Settings) ExpandEnv() *Settings {
	out := s.Clone()
	for i, d := range out.Servers {
		out.Servers[i] = d.ExpandEnv()
	}
	out.Routing.BearerAuthKey = expandString(out.Routing.BearerAuthKey)
	out.SmartRouting.OpenAIAPIKey = expandString(out.SmartRouting.OpenAIAPIKey)
	out.SmartRouting.OpenAIBaseURL = expandString(out.SmartRouting.OpenAIBaseURL)
	return out
}

// UnmarshalYAML decodes a mapping of server name to descriptor, keeping the
// declaration order.
func (l *ServerList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("hubconfig: mcpServers must be a mapping (line %d)", value.Line)
	}
	out := make(ServerList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]
		var d ServerDescriptor
		if err := body.Decode(&d); err != nil {
			return fmt.Errorf("hubconfig: server %q: %w", key.Value, err)
		}
		d.Name = key.Value
		out = append(out, d)
	}
	*l = out
	return nil
}

// MarshalYAML encodes the list as an ordered mapping.
func (l ServerList) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, d := range l {
		var body yaml.Node
		if err := body.Encode(d); err != nil {
			return nil, fmt.Errorf("hubconfig: server %q: %w", d.Name, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: d.Name},
			&body,
		)
	}
	return node, nil
}

// UnmarshalYAML accepts either a bare server name or a {name, tools} mapping.
func (m *GroupMember) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.Name = value.Value
		m.Tools = nil
		return nil
	}
	type plain GroupMember
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*m = GroupMember(p)
	return nil
}

// MarshalYAML writes unrestricted members as bare names.
func (m GroupMember) MarshalYAML() (any, error) {
	if len(m.Tools) == 0 {
		return m.Name, nil
	}
	type plain GroupMember
	return plain(m), nil
}
