// Package dictionary holds the versioned macro and abbreviation tables shared
// by the compression and macro layers.
package dictionary

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// SystemAuthor marks seeded macros. They are never evicted.
const SystemAuthor = "system"

// SchemaVersion is written into every saved dictionary file.
const SchemaVersion = "1.0.0"

const dateLayout = "2006-01-02"

var (
	ErrInvalidMacro     = errors.New("dictionary: invalid macro")
	ErrProposalNotFound = errors.New("dictionary: proposal not found")
	placeholderPattern  = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	macroNamePattern    = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// Macro is a named wire template with {param} placeholders.
type Macro struct {
	Template    string   `json:"expansionTemplate"`
	Description string   `json:"description,omitempty"`
	ParamNames  []string `json:"paramNames"`
	AddedBy     string   `json:"addedBy"`
	AddedAt     string   `json:"addedAt"`
	UsageCount  int      `json:"usageCount"`
}

// Proposal is a candidate macro awaiting approval.
type Proposal struct {
	Name       string `json:"name"`
	Template   string `json:"expansionTemplate"`
	Reason     string `json:"reason,omitempty"`
	ProposedBy string `json:"proposedBy,omitempty"`
}

// Dictionary is safe for concurrent use.
type Dictionary struct {
	mu            sync.RWMutex
	schemaVersion string
	version       int
	updatedAt     time.Time
	macros        *macroTable
	abbreviations map[string]string
	proposed      []Proposal
	clock         func() time.Time
}

// New returns an empty dictionary at version 1.
func New() *Dictionary {
	return &Dictionary{
		schemaVersion: SchemaVersion,
		version:       1,
		macros:        newMacroTable(),
		abbreviations: make(map[string]string),
		clock:         time.Now,
	}
}

// WithClock overrides clock for testing.
func (d *Dictionary) WithClock(clock func() time.Time) *Dictionary {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = clock
	return d
}

// CanonicalName upper-cases and trims a macro name.
func CanonicalName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Version returns the monotonically increasing mutation counter.
func (d *Dictionary) Version() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// UpdatedAt is the time of the last save or load.
func (d *Dictionary) UpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.updatedAt
}

// Macro looks up a macro by name, case-insensitively.
func (d *Dictionary) Macro(name string) (Macro, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.macros.get(CanonicalName(name))
	if !ok {
		return Macro{}, false
	}
	return m.clone(), true
}

// MacroNames returns macro names in insertion order.
func (d *Dictionary) MacroNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.macros.keys()
}

// Len is the number of macros.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.macros.len()
}

// Abbreviations returns a copy of the short -> long table.
func (d *Dictionary) Abbreviations() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.abbreviations))
	for k, v := range d.abbreviations {
		out[k] = v
	}
	return out
}

// Proposals returns a copy of the pending proposals.
func (d *Dictionary) Proposals() []Proposal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Proposal(nil), d.proposed...)
}

// AddMacro inserts or replaces a macro and bumps the version. Missing
// ParamNames are derived from the template and a missing AddedAt is stamped.
// Replacing a macro never lowers its usage count.
func (d *Dictionary) AddMacro(name string, m Macro) error {
	name = CanonicalName(name)
	if !macroNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidMacro, name)
	}
	if strings.TrimSpace(m.Template) == "" {
		return fmt.Errorf("%w: %s has an empty template", ErrInvalidMacro, name)
	}
	if m.UsageCount < 0 {
		m.UsageCount = 0
	}
	if len(m.ParamNames) == 0 {
		m.ParamNames = TemplateParams(m.Template)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if m.AddedAt == "" {
		m.AddedAt = d.clock().UTC().Format(dateLayout)
	}
	m.UsageCount = d.carriedUsage(name, m.UsageCount)
	d.macros.set(name, m)
	d.version++
	return nil
}

// carriedUsage returns the larger of n and the usage of the macro being
// replaced. Callers hold d.mu.
func (d *Dictionary) carriedUsage(name string, n int) int {
	if old, ok := d.macros.get(name); ok {
		return max(n, old.UsageCount)
	}
	return n
}

// RemoveMacro deletes a macro. The version is bumped only when something was removed.
func (d *Dictionary) RemoveMacro(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.macros.remove(CanonicalName(name)) {
		return false
	}
	d.version++
	return true
}

// TrackMacroUsage increments the usage counter without bumping the version.
func (d *Dictionary) TrackMacroUsage(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.macros.get(CanonicalName(name))
	if !ok {
		return false
	}
	m.UsageCount++
	d.macros.set(CanonicalName(name), m)
	return true
}

// SetAbbreviation records a short <-> long pair and bumps the version.
func (d *Dictionary) SetAbbreviation(short, long string) error {
	short, long = strings.TrimSpace(short), strings.TrimSpace(long)
	if short == "" || long == "" || short == long {
		return fmt.Errorf("dictionary: invalid abbreviation %q -> %q", short, long)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abbreviations[short] = long
	d.version++
	return nil
}

// Propose queues a candidate macro. A pending proposal with the same name is
// replaced. Proposals do not change the version.
func (d *Dictionary) Propose(p Proposal) error {
	p.Name = CanonicalName(p.Name)
	if !macroNamePattern.MatchString(p.Name) || strings.TrimSpace(p.Template) == "" {
		return fmt.Errorf("%w: proposal %q", ErrInvalidMacro, p.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.proposed {
		if d.proposed[i].Name == p.Name {
			d.proposed[i] = p
			return nil
		}
	}
	d.proposed = append(d.proposed, p)
	return nil
}

// ApproveProposal promotes a pending proposal to a macro dated today.
func (d *Dictionary) ApproveProposal(name string) (Macro, error) {
	name = CanonicalName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.proposalIndex(name)
	if idx < 0 {
		return Macro{}, fmt.Errorf("%w: %s", ErrProposalNotFound, name)
	}
	p := d.proposed[idx]
	d.proposed = append(d.proposed[:idx], d.proposed[idx+1:]...)

	addedBy := p.ProposedBy
	if addedBy == "" || addedBy == SystemAuthor {
		addedBy = "proposal"
	}
	m := Macro{
		Template:    p.Template,
		Description: p.Reason,
		ParamNames:  TemplateParams(p.Template),
		AddedBy:     addedBy,
		AddedAt:     d.clock().UTC().Format(dateLayout),
		UsageCount:  d.carriedUsage(name, 0),
	}
	d.macros.set(name, m)
	d.version++
	return m.clone(), nil
}

// RejectProposal discards a pending proposal.
func (d *Dictionary) RejectProposal(name string) error {
	name = CanonicalName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.proposalIndex(name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, name)
	}
	d.proposed = append(d.proposed[:idx], d.proposed[idx+1:]...)
	return nil
}

func (d *Dictionary) proposalIndex(name string) int {
	for i, p := range d.proposed {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// EvictLRU removes the least used non-system macros until at most maxSize
// remain. Ties go to the macro encountered first. System macros are kept even
// if that leaves the table above maxSize.
func (d *Dictionary) EvictLRU(maxSize int) []string {
	if maxSize < 0 {
		maxSize = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []string
	for d.macros.len() > maxSize {
		victim, lowest := "", -1
		for _, name := range d.macros.names {
			m := d.macros.byName[name]
			if m.AddedBy == SystemAuthor {
				continue
			}
			if lowest < 0 || m.UsageCount < lowest {
				victim, lowest = name, m.UsageCount
			}
		}
		if victim == "" {
			break
		}
		d.macros.remove(victim)
		evicted = append(evicted, victim)
	}
	if len(evicted) > 0 {
		d.version++
	}
	return evicted
}

// TemplateParams lists the distinct {name} placeholders in template order.
func TemplateParams(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// TopMacros returns up to n macro names ordered by usage, highest first.
func (d *Dictionary) TopMacros(n int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := d.macros.keys()
	sort.SliceStable(names, func(i, j int) bool {
		return d.macros.byName[names[i]].UsageCount > d.macros.byName[names[j]].UsageCount
	})
	if n >= 0 && n < len(names) {
		names = names[:n]
	}
	return names
}

func (m Macro) clone() Macro {
	m.ParamNames = append([]string(nil), m.ParamNames...)
	return m
}
