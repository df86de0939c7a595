// Package wire implements the CT/1 text grammar used between agents.
//
// A message is a single line:
//
//	CT/<version> <VERB> [<action>] [key=value | key="quoted value" | key=[a,b]]* [-- <json payload>]
//
// Parse and Serialize are inverse operations for every message Parse can
// produce: Parse(Serialize(m)) is semantically equal to m.
package wire

// Verb is the message kind.
type Verb string

const (
	VerbREQ    Verb = "REQ"
	VerbRES    Verb = "RES"
	VerbTASK   Verb = "TASK"
	VerbSTATUS Verb = "STATUS"
	VerbNOOP   Verb = "NOOP"
	VerbERR    Verb = "ERR"
	VerbACK    Verb = "ACK"
	VerbMULTI  Verb = "MULTI"
)

// CurrentVersion is the grammar version emitted by this package.
const CurrentVersion = 1

var knownVerbs = map[Verb]bool{
	VerbREQ: true, VerbRES: true, VerbTASK: true, VerbSTATUS: true,
	VerbNOOP: true, VerbERR: true, VerbACK: true, VerbMULTI: true,
}

// Valid reports whether v is one of the eight protocol verbs.
func (v Verb) Valid() bool { return knownVerbs[v] }

// TakesAction reports whether the action slot is meaningful for v.
func (v Verb) TakesAction() bool { return v == VerbREQ || v == VerbTASK }

// Message is a parsed CT message.
type Message struct {
	Version int
	Verb    Verb
	Action  string
	Params  *Params
	Payload *Value
}

// New builds a version-1 message with empty params.
func New(verb Verb, action string) *Message {
	return &Message{Version: CurrentVersion, Verb: verb, Action: action, Params: NewParams()}
}

// With sets a param and returns the message for chaining.
func (m *Message) With(key string, v Value) *Message {
	if m.Params == nil {
		m.Params = NewParams()
	}
	m.Params.Set(key, v)
	return m
}

// Param returns the named param. A nil Params behaves as empty.
func (m *Message) Param(key string) (Value, bool) {
	if m == nil || m.Params == nil {
		return Value{}, false
	}
	return m.Params.Get(key)
}

// Equal reports semantic equality: same version, verb, action, params in the
// same order, and equal payloads.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Version != o.Version || m.Verb != o.Verb || m.Action != o.Action {
		return false
	}
	if !m.params().Equal(o.params()) {
		return false
	}
	if (m.Payload == nil) != (o.Payload == nil) {
		return false
	}
	return m.Payload == nil || m.Payload.Equal(*o.Payload)
}

func (m *Message) params() *Params {
	if m.Params == nil {
		return NewParams()
	}
	return m.Params
}

// Params is an insertion-ordered mapping of case-sensitive keys to values.
type Params struct {
	keys   []string
	values map[string]Value
}

// NewParams returns an empty mapping.
func NewParams() *Params {
	return &Params{values: make(map[string]Value)}
}

// Set stores v under key. An existing key keeps its position.
func (p *Params) Set(key string, v Value) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = v
}

// Get looks up key.
func (p *Params) Get(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Delete removes key if present.
func (p *Params) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of entries.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Range calls fn for each entry in order until fn returns false.
func (p *Params) Range(fn func(key string, v Value) bool) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		if !fn(k, p.values[k]) {
			return
		}
	}
}

// Equal compares keys, order, and values.
func (p *Params) Equal(o *Params) bool {
	if p.Len() != o.Len() {
		return false
	}
	for i, k := range p.keys {
		if o.keys[i] != k || !p.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}
