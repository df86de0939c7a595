// Package directory maps intents to subagent profiles.
package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// FallbackID is the profile used when nothing else matches. It has no tool
// restriction.
const FallbackID = "conversation"

// Profile describes a subagent.
type Profile struct {
	ID             string   `yaml:"id" json:"id" toml:"id"`
	Name           string   `yaml:"name" json:"name" toml:"name"`
	SystemPrompt   string   `yaml:"system_prompt" json:"systemPrompt" toml:"system_prompt"`
	Tools          []string `yaml:"tools" json:"tools" toml:"tools"`
	PreferredModel string   `yaml:"preferred_model,omitempty" json:"preferredModel,omitempty" toml:"preferred_model"`
	// Categories and Actions bind the profile into the routing table.
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty" toml:"categories"`
	Actions    []string `yaml:"actions,omitempty" json:"actions,omitempty" toml:"actions"`
}

// Decision is the outcome of routing one message.
type Decision struct {
	Primary Profile
}

type actionKey struct {
	category intent.Category
	action   string
}

// Directory is read-only after construction and safe for concurrent use.
type Directory struct {
	profiles   map[string]Profile
	byAction   map[actionKey]string
	byCategory map[intent.Category]string
}

// New builds the default directory, then applies overrides in order. An
// override with an existing ID replaces that profile.
func New(overrides ...Profile) (*Directory, error) {
	d := &Directory{
		profiles:   make(map[string]Profile),
		byAction:   make(map[actionKey]string),
		byCategory: make(map[intent.Category]string),
	}
	for _, p := range defaultProfiles {
		if err := d.add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range overrides {
		if err := d.add(p); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Default is New without overrides.
func Default() *Directory {
	d, err := New()
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Directory) add(p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("directory: profile without id")
	}
	if p.ID == FallbackID && p.Tools != nil {
		return fmt.Errorf("directory: %s profile must not restrict tools", FallbackID)
	}
	for _, c := range p.Categories {
		cat := intent.Category(c)
		if !cat.Valid() {
			return fmt.Errorf("directory: profile %s: unknown category %q", p.ID, c)
		}
		d.byCategory[cat] = p.ID
	}
	for _, a := range p.Actions {
		d.byAction[actionKey{category: intent.ForAction(a), action: a}] = p.ID
	}
	d.profiles[p.ID] = p
	return nil
}

// Route picks the primary profile for msg. When category is empty it is
// derived from the message action.
func (d *Directory) Route(msg *wire.Message, category intent.Category) Decision {
	action := ""
	if msg != nil {
		action = msg.Action
	}
	if category == "" {
		category = intent.ForAction(action)
	}
	if action != "" {
		if id, ok := d.byAction[actionKey{category: category, action: action}]; ok {
			return Decision{Primary: d.profile(id)}
		}
	}
	if id, ok := d.byCategory[category]; ok {
		return Decision{Primary: d.profile(id)}
	}
	return Decision{Primary: d.profile(FallbackID)}
}

// Profile returns a copy of the profile with the given ID.
func (d *Directory) Profile(id string) (Profile, bool) {
	p, ok := d.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return clone(p), true
}

func (d *Directory) profile(id string) Profile {
	if p, ok := d.profiles[id]; ok {
		return clone(p)
	}
	return clone(d.profiles[FallbackID])
}

func clone(p Profile) Profile {
	if p.Tools != nil {
		p.Tools = append([]string{}, p.Tools...)
	}
	p.Categories = append([]string(nil), p.Categories...)
	p.Actions = append([]string(nil), p.Actions...)
	return p
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads profile overrides from a YAML file with a top-level
// "profiles" list.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read profiles: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse profiles: %w", err)
	}
	return f.Profiles, nil
}
