package dictionary

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// macroTable keeps macros in insertion order. The order is part of the
// persisted format because eviction breaks ties by it.
type macroTable struct {
	names  []string
	byName map[string]Macro
}

func newMacroTable() *macroTable {
	return &macroTable{byName: make(map[string]Macro)}
}

func (t *macroTable) get(name string) (Macro, bool) {
	m, ok := t.byName[name]
	return m, ok
}

func (t *macroTable) set(name string, m Macro) {
	if _, ok := t.byName[name]; !ok {
		t.names = append(t.names, name)
	}
	t.byName[name] = m
}

func (t *macroTable) remove(name string) bool {
	if _, ok := t.byName[name]; !ok {
		return false
	}
	delete(t.byName, name)
	for i, n := range t.names {
		if n == name {
			t.names = append(t.names[:i], t.names[i+1:]...)
			break
		}
	}
	return true
}

func (t *macroTable) keys() []string {
	return append([]string(nil), t.names...)
}

func (t *macroTable) len() int { return len(t.names) }

func (t *macroTable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range t.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(t.byName[name])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *macroTable) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("dictionary: macros must be an object")
	}
	fresh := newMacroTable()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("dictionary: unexpected macro key %v", tok)
		}
		var m Macro
		if err := dec.Decode(&m); err != nil {
			return fmt.Errorf("dictionary: macro %s: %w", name, err)
		}
		fresh.set(CanonicalName(name), m)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*t = *fresh
	return nil
}
