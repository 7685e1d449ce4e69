// Package journal records committed aggregate plans as JSON documents in a
// blob store, one document per transaction.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"colonytally/internal/blob/core"
	"colonytally/internal/infra/blob/fs"
	"colonytally/internal/infra/blob/memory"
	"colonytally/internal/infra/blob/s3"
	"colonytally/pkg/aggregate"
)

// Prefix is the key prefix under which every entry is written.
const Prefix = "journal/"

const (
	contentType     = "application/json"
	timestampLayout = "20060102T150405.000000000Z"
)

// Entry is one journaled transaction.
type Entry struct {
	ID         string           `json:"id"`
	Operation  string           `json:"operation"`
	RecordedAt time.Time        `json:"recorded_at"`
	Plans      []aggregate.Plan `json:"plans"`
}

// Entries returns the total number of plan entries across all plans.
func (e Entry) Entries() int {
	n := 0
	for _, p := range e.Plans {
		n += p.Len()
	}
	return n
}

// Journal appends entries to a blob store.
type Journal struct {
	store core.Store
	now   func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// New constructs a journal writing to store.
func New(store core.Store, opts ...Option) *Journal {
	j := &Journal{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Store returns the underlying blob store.
func (j *Journal) Store() core.Store { return j.store }

// Key returns the blob key for an entry:
// journal/<yyyy>/<mm>/<dd>/<timestamp>-<id>.json.
func Key(e Entry) string {
	t := e.RecordedAt.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s.json", Prefix, t.Year(), int(t.Month()), t.Day(), t.Format(timestampLayout), e.ID)
}

// Append writes the non-empty plans of one transaction. ok is false when
// there was nothing to record.
func (j *Journal) Append(ctx context.Context, operation string, plans []aggregate.Plan) (entry Entry, ok bool, err error) {
	kept := make([]aggregate.Plan, 0, len(plans))
	for _, p := range plans {
		if !p.Empty() {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return Entry{}, false, nil
	}
	entry = Entry{ID: uuid.NewString(), Operation: operation, RecordedAt: j.now().UTC(), Plans: kept}
	body, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, false, fmt.Errorf("encode journal entry: %w", err)
	}
	meta := map[string]string{"operation": operation, "entries": strconv.Itoa(entry.Entries())}
	if _, err := j.store.Put(ctx, Key(entry), bytes.NewReader(body), core.PutOptions{ContentType: contentType, Metadata: meta}); err != nil {
		return Entry{}, false, fmt.Errorf("write journal entry: %w", err)
	}
	return entry, true, nil
}

// List returns the keys of entries recorded on day, or of every entry when
// day is the zero time. Keys sort chronologically.
func (j *Journal) List(ctx context.Context, day time.Time) ([]string, error) {
	prefix := Prefix
	if !day.IsZero() {
		d := day.UTC()
		prefix = fmt.Sprintf("%s%04d/%02d/%02d/", Prefix, d.Year(), int(d.Month()), d.Day())
	}
	infos, err := j.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if path.Ext(info.Key) == ".json" {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

// Read decodes the entry stored under key.
func (j *Journal) Read(ctx context.Context, key string) (Entry, error) {
	_, rc, err := j.store.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	defer func() { _ = rc.Close() }()
	var e Entry
	if err := json.NewDecoder(rc).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

// Environment variables:
//   COLONYTALLY_JOURNAL_DRIVER: off|memory|fs|s3 (default off)
//   COLONYTALLY_JOURNAL_FS_ROOT: directory for the fs driver (default ./journal-data)
//   COLONYTALLY_JOURNAL_S3_*: see the s3 blob driver

// ErrDisabled is returned by Open when no journal driver is configured.
var ErrDisabled = errors.New("plan journal disabled")

// Open constructs a journal from the environment.
func Open(ctx context.Context, opts ...Option) (*Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("COLONYTALLY_JOURNAL_DRIVER")))
	switch driver {
	case "", "off", "none":
		return nil, ErrDisabled
	case string(core.DriverMemory):
		return New(memory.New(), opts...), nil
	case string(core.DriverFilesystem):
		root := os.Getenv("COLONYTALLY_JOURNAL_FS_ROOT")
		if root == "" {
			root = "./journal-data"
		}
		store, err := fs.New(root)
		if err != nil {
			return nil, fmt.Errorf("open fs journal: %w", err)
		}
		return New(store, opts...), nil
	case string(core.DriverS3):
		store, err := s3.OpenFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("open s3 journal: %w", err)
		}
		return New(store, opts...), nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
}
