// Package deaddrop implements a filesystem relay for TPC envelopes.
//
// A message is written to a temporary file and renamed into place as
// <20-digit unix nanos>-<recipient>-<uuid>.<ext>. A reader claims a message by
// renaming it into the claim directory, so each message is delivered at most
// once even with concurrent readers.
package deaddrop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	claimDir  = ".claimed"
	tmpPrefix = ".tmp-"
	stampLen  = 20
	uuidLen   = 36
)

// ErrEmpty is returned by Take when no message is waiting.
var ErrEmpty = errors.New("deaddrop: no message available")

var recipientPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Message is one claimed dead-drop entry.
type Message struct {
	Name      string
	Recipient string
	Ext       string
	Created   time.Time
	Data      []byte
}

// Drop is a dead-drop directory. It is safe for concurrent use across
// goroutines and processes sharing the directory.
type Drop struct {
	dir    string
	clock  func() time.Time
	logger *slog.Logger
}

// New opens (creating if needed) the dead drop rooted at dir.
func New(dir string) (*Drop, error) {
	if dir == "" {
		return nil, fmt.Errorf("deaddrop: empty directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, claimDir), 0o700); err != nil {
		return nil, fmt.Errorf("deaddrop: ensure dir: %w", err)
	}
	return &Drop{
		dir:    dir,
		clock:  time.Now,
		logger: slog.Default().With("component", "deaddrop"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (d *Drop) WithClock(clock func() time.Time) *Drop {
	d.clock = clock
	return d
}

// Dir returns the root directory.
func (d *Drop) Dir() string { return d.dir }

// ValidRecipient reports whether name can be used as a recipient.
func ValidRecipient(name string) bool {
	return recipientPattern.MatchString(name)
}

// Put stores data for recipient and returns the entry name.
func (d *Drop) Put(ctx context.Context, recipient, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ValidRecipient(recipient) {
		return "", fmt.Errorf("deaddrop: invalid recipient %q", recipient)
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || strings.ContainsAny(ext, `/\.`) {
		return "", fmt.Errorf("deaddrop: invalid extension %q", ext)
	}

	name := fmt.Sprintf("%0*d-%s-%s.%s", stampLen, d.clock().UnixNano(), recipient, uuid.NewString(), ext)
	tmp, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("deaddrop: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("deaddrop: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("deaddrop: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("deaddrop: close: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(d.dir, name)); err != nil {
		return "", fmt.Errorf("deaddrop: commit: %w", err)
	}
	return name, nil
}

type entry struct {
	name      string
	recipient string
	ext       string
	created   time.Time
}

// parseName splits an entry name. Names that do not follow the layout are
// ignored by readers.
func parseName(name string) (entry, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || len(name) < stampLen+uuidLen+3 {
		return entry{}, false
	}
	base, ext := name[:dot], name[dot+1:]
	if len(base) < stampLen+uuidLen+3 || base[stampLen] != '-' {
		return entry{}, false
	}
	nanos, err := strconv.ParseInt(base[:stampLen], 10, 64)
	if err != nil {
		return entry{}, false
	}
	id := base[len(base)-uuidLen:]
	if _, err := uuid.Parse(id); err != nil || base[len(base)-uuidLen-1] != '-' {
		return entry{}, false
	}
	recipient := base[stampLen+1 : len(base)-uuidLen-1]
	if !ValidRecipient(recipient) {
		return entry{}, false
	}
	return entry{name: name, recipient: recipient, ext: ext, created: time.Unix(0, nanos)}, true
}

func (d *Drop) list(recipient string) ([]entry, error) {
	des, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("deaddrop: list: %w", err)
	}
	var out []entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		e, ok := parseName(de.Name())
		if !ok || (recipient != "" && e.recipient != recipient) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// Pending returns the number of unclaimed messages for recipient. An empty
// recipient counts every message.
func (d *Drop) Pending(recipient string) (int, error) {
	es, err := d.list(recipient)
	return len(es), err
}

// Take claims and returns the oldest message for recipient, or ErrEmpty.
func (d *Drop) Take(ctx context.Context, recipient string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es, err := d.list(recipient)
	if err != nil {
		return nil, err
	}
	for _, e := range es {
		claimed := filepath.Join(d.dir, claimDir, e.name)
		if err := os.Rename(filepath.Join(d.dir, e.name), claimed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("deaddrop: claim %s: %w", e.name, err)
		}
		data, err := os.ReadFile(claimed) //nolint:gosec // name parsed from our own layout
		if rmErr := os.Remove(claimed); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			d.logger.WarnContext(ctx, "failed to remove claimed entry", "name", e.name, "error", rmErr)
		}
		if err != nil {
			return nil, fmt.Errorf("deaddrop: read %s: %w", e.name, err)
		}
		return &Message{Name: e.name, Recipient: e.recipient, Ext: e.ext, Created: e.created, Data: data}, nil
	}
	return nil, ErrEmpty
}

// Poll calls Take every interval until a message arrives or ctx is done.
func (d *Drop) Poll(ctx context.Context, recipient string, interval time.Duration) (*Message, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		msg, err := d.Take(ctx, recipient)
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GC removes messages older than maxAge along with stale temp and claim
// files. It returns the number of files removed.
func (d *Drop) GC(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := d.clock().Add(-maxAge)
	removed := 0

	es, err := d.list("")
	if err != nil {
		return 0, err
	}
	for _, e := range es {
		if !e.created.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.name)); err == nil {
			removed++
		} else if !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("deaddrop: gc %s: %w", e.name, err)
		}
	}

	for _, dir := range []string{d.dir, filepath.Join(d.dir, claimDir)} {
		des, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("deaddrop: gc list: %w", err)
		}
		for _, de := range des {
			if de.IsDir() {
				continue
			}
			if dir == d.dir && !strings.HasPrefix(de.Name(), tmpPrefix) {
				continue
			}
			info, err := de.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		d.logger.InfoContext(ctx, "dead drop collected", "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}
