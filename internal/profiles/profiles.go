// Package profiles loads named provider profiles: the environment
// overrides and model ids a worker subprocess launches under.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/codefleet/foreman/internal/worker"
)

// ActiveSetting is the backlog settings key holding the active profile
// name.
const ActiveSetting = "active_profile"

// DefaultName is the profile used when no setting is stored.
const DefaultName = "default"

// ErrNotFound reports a profile name missing from the document.
var ErrNotFound = errors.New("profile not found")

// Models maps the three model tiers to concrete model ids. Empty
// entries defer to the worker command's own default.
type Models struct {
	Opus   string `json:"opus,omitempty"`
	Sonnet string `json:"sonnet,omitempty"`
	Haiku  string `json:"haiku,omitempty"`
}

// Profile is one named provider configuration.
type Profile struct {
	Description string            `json:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Models      Models            `json:"models"`
}

// Document is the on-disk profiles file.
type Document struct {
	Profiles map[string]Profile `json:"profiles"`
}

// Default returns the builtin document: one empty "default" profile
// that inherits everything from the worker command.
func Default() *Document {
	return &Document{
		Profiles: map[string]Profile{
			DefaultName: {Description: "worker command defaults"},
		},
	}
}

// Load reads a profiles document from path. A missing file yields the
// builtin default document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]Profile)
	}
	if _, ok := doc.Profiles[DefaultName]; !ok {
		doc.Profiles[DefaultName] = Profile{Description: "worker command defaults"}
	}
	return &doc, nil
}

// Get returns the named profile.
func (d *Document) Get(name string) (Profile, error) {
	if name == "" {
		name = DefaultName
	}
	p, ok := d.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Profiles))
	for name := range d.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelFor resolves a worker tier to this profile's model id. Empty
// means the worker command decides.
func (p Profile) ModelFor(tier worker.Tier) string {
	switch tier {
	case worker.TierInitializer:
		return p.Models.Opus
	case worker.TierCoding:
		return p.Models.Sonnet
	case worker.TierTesting:
		return p.Models.Haiku
	default:
		return ""
	}
}

// Environ renders the profile's env overrides as sorted KEY=VALUE
// pairs ready for exec.
func (p Profile) Environ() []string {
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
