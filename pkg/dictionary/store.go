package dictionary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedSchemas is the range of schemaVersion values Load accepts.
const SupportedSchemas = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://clawtalk.schemas.local/dictionary.schema.json"

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "version", "macros"],
  "properties": {
    "schemaVersion": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 0},
    "updatedAt": {"type": "string"},
    "macros": {
      "type": "object",
      "propertyNames": {"pattern": "^[A-Za-z][A-Za-z0-9_]*$"},
      "additionalProperties": {"$ref": "#/$defs/macro"}
    },
    "abbreviations": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "proposed": {"type": "array", "items": {"$ref": "#/$defs/proposal"}}
  },
  "$defs": {
    "macro": {
      "type": "object",
      "required": ["expansionTemplate"],
      "properties": {
        "expansionTemplate": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "paramNames": {"type": ["array", "null"], "items": {"type": "string"}},
        "addedBy": {"type": "string"},
        "addedAt": {"type": "string"},
        "usageCount": {"type": "integer", "minimum": 0}
      }
    },
    "proposal": {
      "type": "object",
      "required": ["name", "expansionTemplate"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "expansionTemplate": {"type": "string", "minLength": 1},
        "reason": {"type": "string"},
        "proposedBy": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error

	pathLocks sync.Map // path -> *sync.Mutex
)

type fileFormat struct {
	SchemaVersion string            `json:"schemaVersion"`
	Version       int               `json:"version"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Macros        *macroTable       `json:"macros"`
	Abbreviations map[string]string `json:"abbreviations"`
	Proposed      []Proposal        `json:"proposed"`
}

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(fileSchema)); err != nil {
			schemaErr = fmt.Errorf("dictionary schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

func logger() *slog.Logger {
	return slog.Default().With("component", "dictionary")
}

// Load reads a dictionary file. An empty path, or a file that is missing,
// unreadable, malformed, schema-invalid, or of an unsupported schema version,
// yields Default.
func Load(path string) *Dictionary {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger().Warn("dictionary unreadable, using defaults", "path", path, "error", err)
		}
		return Default()
	}
	d, err := Unmarshal(data)
	if err != nil {
		logger().Warn("dictionary rejected, using defaults", "path", path, "error", err)
		return Default()
	}
	return d
}

// Unmarshal validates and decodes a dictionary document.
func Unmarshal(data []byte) (*Dictionary, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dictionary: parse: %w", err)
	}
	sch, err := schema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("dictionary: schema validation failed: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("dictionary: decode: %w", err)
	}
	if err := checkSchemaVersion(f.SchemaVersion); err != nil {
		return nil, err
	}

	d := New()
	d.schemaVersion = f.SchemaVersion
	d.version = f.Version
	d.updatedAt = f.UpdatedAt
	if f.Macros != nil {
		d.macros = f.Macros
	}
	for short, long := range f.Abbreviations {
		d.abbreviations[short] = long
	}
	for _, p := range f.Proposed {
		p.Name = CanonicalName(p.Name)
		d.proposed = append(d.proposed, p)
	}
	return d, nil
}

func checkSchemaVersion(v string) error {
	constraint, err := semver.NewConstraint(SupportedSchemas)
	if err != nil {
		return fmt.Errorf("dictionary: invalid schema constraint: %w", err)
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("dictionary: invalid schemaVersion %q: %w", v, err)
	}
	if !constraint.Check(sv) {
		return fmt.Errorf("dictionary: schemaVersion %s not in %s", v, SupportedSchemas)
	}
	return nil
}

// Marshal encodes the dictionary in its file format.
func (d *Dictionary) Marshal() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.marshalLocked()
}

func (d *Dictionary) marshalLocked() ([]byte, error) {
	f := fileFormat{
		SchemaVersion: d.schemaVersion,
		Version:       d.version,
		UpdatedAt:     d.updatedAt,
		Macros:        d.macros,
		Abbreviations: d.abbreviations,
		Proposed:      d.proposed,
	}
	if f.Proposed == nil {
		f.Proposed = []Proposal{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("dictionary: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Save stamps UpdatedAt and writes d to path through a temp file and rename.
// Concurrent saves to the same path in this process are serialised; the last
// one wins.
func Save(d *Dictionary, path string) error {
	if path == "" {
		return fmt.Errorf("dictionary: save path is empty")
	}
	lockAny, _ := pathLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	d.updatedAt = d.clock().UTC()
	data, err := d.marshalLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dictionary: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dictionary-*.tmp")
	if err != nil {
		return fmt.Errorf("dictionary: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("dictionary: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("dictionary: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("dictionary: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("dictionary: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("dictionary: rename: %w", err)
	}
	logger().Debug("dictionary saved", "path", path, "version", d.Version())
	return nil
}

// Store binds a dictionary file path.
type Store struct {
	Path string
}

// NewStore returns a store for path.
func NewStore(path string) *Store { return &Store{Path: path} }

// Load reads the store's file, falling back to Default.
func (s *Store) Load() *Dictionary { return Load(s.Path) }

// Save writes d to the store's file.
func (s *Store) Save(d *Dictionary) error { return Save(d, s.Path) }
