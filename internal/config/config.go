// Package config provides profile loading, validation and content hashing for
// the toolmux aggregator.
//
// A profile declares the set of downstream MCP servers the aggregator fans out
// to. Profiles live under <data-dir>/profiles/<name>.json (or .yaml) and are
// owned externally: toolmux only reads them.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toolmux/toolmux/internal/common"
)

// TransportHTTP selects the streamable HTTP transport for a remote downstream.
const TransportHTTP = "http"

// TransportSSE selects the SSE transport for a remote downstream.
const TransportSSE = "sse"

// Auth kinds accepted in a remote downstream definition.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthCustom = "custom"
)

// DefaultCallTimeoutSeconds is the per-call deadline applied to downstream
// tool calls unless a downstream overrides it.
const DefaultCallTimeoutSeconds = 60

// AuthSpec describes how to authenticate against a remote downstream.
type AuthSpec struct {
	Kind   string `json:"kind" yaml:"kind"`                         // none, bearer, custom
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`   // supports ${ENV_VAR} substitution
	Header string `json:"header,omitempty" yaml:"header,omitempty"` // header name for kind=custom
}

// DownstreamSpec defines a single downstream MCP server. Exactly one of the
// process shape (Command) or the remote shape (URL) must be set.
type DownstreamSpec struct {
	Name string `json:"-" yaml:"-"` // set from the profile key

	// Process shape: a local executable spoken to over stdio.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // values support ${ENV_VAR} substitution

	// Remote shape: a networked endpoint.
	URL       string    `json:"url,omitempty" yaml:"url,omitempty"`
	Transport string    `json:"transport,omitempty" yaml:"transport,omitempty"` // http (default) or sse
	Auth      *AuthSpec `json:"auth,omitempty" yaml:"auth,omitempty"`

	// TimeoutSeconds overrides the default per-call deadline for this downstream.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// IsProcess reports whether the spec uses the process shape.
func (d *DownstreamSpec) IsProcess() bool {
	return d.Command != ""
}

// IsRemote reports whether the spec uses the remote shape.
func (d *DownstreamSpec) IsRemote() bool {
	return d.URL != ""
}

// EffectiveTransport returns the remote transport, defaulting to http.
func (d *DownstreamSpec) EffectiveTransport() string {
	if d.Transport == "" {
		return TransportHTTP
	}
	return d.Transport
}

// CallTimeoutSeconds returns the per-call deadline for this downstream.
func (d *DownstreamSpec) CallTimeoutSeconds() int {
	if d.TimeoutSeconds > 0 {
		return d.TimeoutSeconds
	}
	return DefaultCallTimeoutSeconds
}

// SubstitutedEnv returns Env with environment variables substituted.
// Supports both ${VAR_NAME} and $VAR_NAME syntax.
func (d *DownstreamSpec) SubstitutedEnv() map[string]string {
	result := make(map[string]string, len(d.Env))
	for key, value := range d.Env {
		result[key] = os.Expand(value, os.Getenv)
	}
	return result
}

// SubstitutedToken returns the auth token with environment variables substituted.
func (d *DownstreamSpec) SubstitutedToken() string {
	if d.Auth == nil {
		return ""
	}
	return os.Expand(d.Auth.Token, os.Getenv)
}

// GateSettings tunes the confirmation gate for one profile.
type GateSettings struct {
	Disabled  bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"` // 0 means engine default
}

// Profile is the user's declared set of downstreams for one configuration.
// Downstream order follows the profile file.
type Profile struct {
	Name        string       `json:"-" yaml:"-"`
	Gate        GateSettings `json:"gate,omitempty" yaml:"gate,omitempty"`
	Downstreams OrderedSpecs `json:"downstreams" yaml:"downstreams"`

	hash    string // computed on load
	perHash map[string]string
}

// OrderedSpecs is an ordered name→DownstreamSpec mapping that preserves the
// key order of the profile file.
type OrderedSpecs struct {
	names []string
	specs map[string]*DownstreamSpec
}

// Names returns the downstream names in file order.
func (o *OrderedSpecs) Names() []string {
	out := make([]string, len(o.names))
	copy(out, o.names)
	return out
}

// Get returns the spec for a downstream name, or nil.
func (o *OrderedSpecs) Get(name string) *DownstreamSpec {
	return o.specs[name]
}

// Len returns the number of downstreams.
func (o *OrderedSpecs) Len() int {
	return len(o.names)
}

// UnmarshalJSON decodes an ordered JSON object of downstream definitions.
func (o *OrderedSpecs) UnmarshalJSON(data []byte) error {
	o.names = nil
	o.specs = make(map[string]*DownstreamSpec)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("downstreams must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		spec := &DownstreamSpec{}
		if err := dec.Decode(spec); err != nil {
			return fmt.Errorf("downstream %q: %w", name, err)
		}
		spec.Name = name
		if _, dup := o.specs[name]; dup {
			return fmt.Errorf("duplicate downstream %q", name)
		}
		o.names = append(o.names, name)
		o.specs[name] = spec
	}
	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON encodes the downstreams preserving their order.
func (o OrderedSpecs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range o.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.specs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML decodes an ordered YAML mapping of downstream definitions.
func (o *OrderedSpecs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("downstreams must be a mapping")
	}
	o.names = nil
	o.specs = make(map[string]*DownstreamSpec)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		spec := &DownstreamSpec{}
		if err := node.Content[i+1].Decode(spec); err != nil {
			return fmt.Errorf("downstream %q: %w", name, err)
		}
		spec.Name = name
		if _, dup := o.specs[name]; dup {
			return fmt.Errorf("duplicate downstream %q", name)
		}
		o.names = append(o.names, name)
		o.specs[name] = spec
	}
	return nil
}

// ProfilesDir returns the directory containing profile files.
func ProfilesDir() (string, error) {
	dataDir, err := common.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "profiles"), nil
}

// CacheDir returns the directory containing capability index caches.
func CacheDir() (string, error) {
	dataDir, err := common.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "cache"), nil
}

// EnsureDataDirs creates the profiles, cache and logs directories.
func EnsureDataDirs() error {
	for _, f := range []func() (string, error){ProfilesDir, CacheDir, common.LogsDir} {
		dir, err := f()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ProfilePath returns the path of a named profile file, preferring .json and
// falling back to .yaml/.yml when the JSON file does not exist.
func ProfilePath(name string) (string, error) {
	dir, err := ProfilesDir()
	if err != nil {
		return "", err
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(dir, name+".json"), nil
}

// LoadProfile reads, parses, validates and hashes the named profile.
func LoadProfile(name string) (*Profile, error) {
	path, err := ProfilePath(name)
	if err != nil {
		return nil, err
	}
	return LoadProfileFile(name, path)
}

// LoadProfileFile reads a profile from an explicit path.
func LoadProfileFile(name, path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.Fatalf("profile %q not found at %s", name, path)
		}
		return nil, common.Fatalf("failed to read profile %q: %v", name, err)
	}

	profile := &Profile{Name: name}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, profile); err != nil {
			return nil, common.Fatalf("failed to parse profile %q: %v", name, err)
		}
	default:
		if err := json.Unmarshal(data, profile); err != nil {
			return nil, common.Fatalf("failed to parse profile %q: %v", name, err)
		}
	}

	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}
	if err := hashProfile(profile); err != nil {
		return nil, common.Fatalf("failed to hash profile %q: %v", name, err)
	}
	return profile, nil
}

// ValidateProfile checks all downstream definitions against the profile rules.
func ValidateProfile(profile *Profile) error {
	if profile.Downstreams.Len() == 0 {
		return common.Fatalf("profile %q declares no downstreams", profile.Name)
	}
	for _, name := range profile.Downstreams.Names() {
		if err := validateDownstream(name, profile.Downstreams.Get(name)); err != nil {
			return err
		}
	}
	return nil
}

func validateDownstream(name string, spec *DownstreamSpec) error {
	if !common.IsValidName(name) {
		return common.Fatalf("downstream name %q is invalid (allowed: [A-Za-z0-9_-]+)", name)
	}
	switch {
	case spec.IsProcess() && spec.IsRemote():
		return common.Fatalf("downstream %q declares both command and url; exactly one is required", name)
	case !spec.IsProcess() && !spec.IsRemote():
		return common.Fatalf("downstream %q declares neither command nor url; exactly one is required", name)
	}
	if spec.IsRemote() {
		switch spec.EffectiveTransport() {
		case TransportHTTP, TransportSSE:
		default:
			return common.Fatalf("downstream %q: unknown transport %q (allowed: http, sse)", name, spec.Transport)
		}
		if spec.Auth != nil {
			switch spec.Auth.Kind {
			case AuthNone:
			case AuthBearer:
				if strings.TrimSpace(spec.Auth.Token) == "" {
					return common.Fatalf("downstream %q: bearer auth requires a non-empty token", name)
				}
			case AuthCustom:
				if strings.TrimSpace(spec.Auth.Token) == "" || strings.TrimSpace(spec.Auth.Header) == "" {
					return common.Fatalf("downstream %q: custom auth requires header and token", name)
				}
			default:
				return common.Fatalf("downstream %q: unknown auth kind %q", name, spec.Auth.Kind)
			}
		}
	} else if spec.Auth != nil || spec.Transport != "" {
		return common.Fatalf("downstream %q: transport/auth are only valid for remote downstreams", name)
	}
	if spec.TimeoutSeconds < 0 {
		return common.Fatalf("downstream %q: timeout_seconds must not be negative", name)
	}
	return nil
}

// Hash returns the 128-bit content hash of the whole profile, hex encoded.
func (p *Profile) Hash() string {
	return p.hash
}

// DownstreamHash returns the content hash of one downstream definition.
func (p *Profile) DownstreamHash(name string) string {
	return p.perHash[name]
}

// DownstreamHashes returns a copy of the per-downstream hash map.
func (p *Profile) DownstreamHashes() map[string]string {
	out := make(map[string]string, len(p.perHash))
	for k, v := range p.perHash {
		out[k] = v
	}
	return out
}
