// Package repository provides the generic, cache-aside data-access layer.
//
// A Repository[E] serves one entity kind described by an EntityDescriptor[E].
// Reads check the cache under a key tagged with the kind's current epoch and
// fall back to storage on a miss. Every successful write bumps the kind's
// epoch, which retires all cached reads of that kind at once, then stores the
// written entity under the new epoch when no concurrent write intervened.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog/internal/cache"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/retry"
)

// EntityDescriptor maps one entity kind between its Go type and records.
// Implementations are plain values written per kind; nothing is inferred at
// runtime.
type EntityDescriptor[E any] interface {
	core.Described
	ID(e E) string
	WithID(e E, id string) E
	ToRecord(e E) core.Record
	FromRecord(r core.Record) (E, error)
}

// Cache is the part of *cache.Cache a repository needs.
type Cache interface {
	Get(key cache.Key) (any, bool)
	Put(key cache.Key, value any, ttl time.Duration)
	Epoch(kind string) uint64
	BumpEpoch(kind string) uint64
}

// noCache is used when a repository is built without a cache.
type noCache struct{}

func (noCache) Get(cache.Key) (any, bool)         { return nil, false }
func (noCache) Put(cache.Key, any, time.Duration) {}
func (noCache) Epoch(string) uint64               { return 0 }
func (noCache) BumpEpoch(string) uint64           { return 0 }

type options struct {
	ttl   time.Duration
	retry retry.Policy
	sleep retry.Sleeper
	newID func() string
}

// Option configures a Repository.
type Option func(*options)

// WithTTL sets the TTL of cached reads. Zero uses the cache default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithRetry sets the policy used for transient storage faults during bulk
// writes. sleep may be nil.
func WithRetry(p retry.Policy, sleep retry.Sleeper) Option {
	return func(o *options) {
		o.retry = p
		o.sleep = sleep
	}
}

// WithIDGenerator replaces uuid.NewString for new identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Result is the outcome of one write in a bulk batch.
type Result[E any] struct {
	Entity E
	Err    error
}

// Repository provides typed CRUD and queries over one entity kind.
type Repository[E any] struct {
	storage Storage
	cache   Cache
	ed      EntityDescriptor[E]
	desc    *core.Descriptor
	opts    options
}

// New creates a repository. c may be nil to disable caching.
func New[E any](storage Storage, c Cache, ed EntityDescriptor[E], opts ...Option) *Repository[E] {
	o := options{
		retry: retry.Policy{MaxAttempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if c == nil {
		c = noCache{}
	}
	return &Repository[E]{
		storage: storage,
		cache:   c,
		ed:      ed,
		desc:    ed.Descriptor(),
		opts:    o,
	}
}

// Descriptor returns the kind's metadata.
func (r *Repository[E]) Descriptor() *core.Descriptor { return r.desc }

// Get returns the entity with id, or an error wrapping core.ErrNotFound.
func (r *Repository[E]) Get(ctx context.Context, id string) (E, error) {
	var zero E
	kind := r.desc.Kind

	key := cache.EntityKey(kind, id, r.cache.Epoch(kind))
	if v, ok := r.cache.Get(key); ok {
		if e, ok := v.(E); ok {
			return e, nil
		}
	}

	rows, err := r.storage.Query(ctx, Select{
		Table: r.desc.TableName(),
		Where: []Predicate{r.idPredicate(OpEq, id)},
		Limit: 1,
	})
	if err != nil {
		return zero, fmt.Errorf("get %s %q: %w", kind, id, err)
	}
	if len(rows) == 0 {
		return zero, fmt.Errorf("%s %q: %w", kind, id, core.ErrNotFound)
	}

	e, err := r.decode(rows[0])
	if err != nil {
		return zero, err
	}
	r.cache.Put(key, e, r.opts.ttl)
	return e, nil
}

// GetMany returns the entities for ids in request order. Unknown ids are skipped.
func (r *Repository[E]) GetMany(ctx context.Context, ids []string) ([]E, error) {
	kind := r.desc.Kind
	epoch := r.cache.Epoch(kind)

	found := make(map[string]E, len(ids))
	var missing []any
	for _, id := range ids {
		if v, ok := r.cache.Get(cache.EntityKey(kind, id, epoch)); ok {
			if e, ok := v.(E); ok {
				found[id] = e
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		rows, err := r.storage.Query(ctx, Select{
			Table: r.desc.TableName(),
			Where: []Predicate{r.idPredicate(OpIn, missing)},
		})
		if err != nil {
			return nil, fmt.Errorf("get many %s: %w", kind, err)
		}
		for _, row := range rows {
			e, err := r.decode(row)
			if err != nil {
				return nil, err
			}
			id := r.ed.ID(e)
			found[id] = e
			r.cache.Put(cache.EntityKey(kind, id, epoch), e, r.opts.ttl)
		}
	}

	out := make([]E, 0, len(ids))
	for _, id := range ids {
		if e, ok := found[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Query returns one page of entities matching q. Semantically identical
// queries share a cache entry regardless of condition order.
func (r *Repository[E]) Query(ctx context.Context, q Query) ([]E, error) {
	kind := r.desc.Kind
	nq, err := Normalize(r.desc, q)
	if err != nil {
		return nil, err
	}

	sig := Signature(kind, "rows", nq)
	key := cache.QueryKey(kind, digest(sig), r.cache.Epoch(kind))
	if v, ok := r.cachedQuery(key, sig); ok {
		if items, ok := v.([]E); ok {
			return append([]E(nil), items...), nil
		}
	}

	rows, err := r.storage.Query(ctx, r.selectFor(nq))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}

	items := make([]E, 0, len(rows))
	for _, row := range rows {
		e, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}

	r.cache.Put(key, queryResult{sig: sig, value: append([]E(nil), items...)}, r.opts.ttl)
	return items, nil
}

// Count returns the number of entities matching f.
func (r *Repository[E]) Count(ctx context.Context, f Filter) (int64, error) {
	kind := r.desc.Kind
	nf, err := NormalizeFilter(r.desc, f)
	if err != nil {
		return 0, err
	}

	sig := Signature(kind, "count", Query{Filter: nf})
	key := cache.QueryKey(kind, digest(sig), r.cache.Epoch(kind))
	if v, ok := r.cachedQuery(key, sig); ok {
		if n, ok := v.(int64); ok {
			return n, nil
		}
	}

	n, err := r.storage.Count(ctx, Select{Table: r.desc.TableName(), Where: r.predicates(nf)})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	r.cache.Put(key, queryResult{sig: sig, value: n}, r.opts.ttl)
	return n, nil
}

// queryResult is a cached query value tagged with the signature it answers.
type queryResult struct {
	sig   string
	value any
}

// cachedQuery returns the value cached under key when it was stored for sig.
// A different signature under the same key is a digest collision and misses.
func (r *Repository[E]) cachedQuery(key cache.Key, sig string) (any, bool) {
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	qr, ok := v.(queryResult)
	if !ok || qr.sig != sig {
		return nil, false
	}
	return qr.value, true
}

// Create inserts e, assigning an identifier when it has none.
func (r *Repository[E]) Create(ctx context.Context, e E) (E, error) {
	var zero E
	before := r.cache.Epoch(r.desc.Kind)

	if r.ed.ID(e) == "" {
		e = r.ed.WithID(e, r.opts.newID())
	}
	if _, err := r.storage.Exec(ctx, Insert{
		Table:  r.desc.TableName(),
		Values: r.toColumns(r.ed.ToRecord(e)),
	}); err != nil {
		return zero, fmt.Errorf("create %s: %w", r.desc.Kind, err)
	}

	r.afterWrite(before, e)
	return e, nil
}

// Update applies patch to the entity with id and returns the stored result.
// Patch keys are field names; string values are parsed like file cells.
func (r *Repository[E]) Update(ctx context.Context, id string, patch core.Record) (E, error) {
	var zero E
	kind := r.desc.Kind
	before := r.cache.Epoch(kind)

	set, err := r.patchColumns(patch)
	if err != nil {
		return zero, err
	}

	n, err := r.storage.Exec(ctx, Update{
		Table: r.desc.TableName(),
		Where: []Predicate{r.idPredicate(OpEq, id)},
		Set:   set,
	})
	if err != nil {
		return zero, fmt.Errorf("update %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return zero, fmt.Errorf("%s %q: %w", kind, id, core.ErrNotFound)
	}

	e, err := r.reload(ctx, []Predicate{r.idPredicate(OpEq, id)})
	if err != nil {
		r.cache.BumpEpoch(kind)
		return zero, err
	}
	r.afterWrite(before, e)
	return e, nil
}

// Upsert inserts e or, when its natural key already exists, overwrites the
// stored entity while keeping its identifier. Kinds without a natural key
// fall back to Create.
func (r *Repository[E]) Upsert(ctx context.Context, e E) (E, error) {
	var zero E
	before := r.cache.Epoch(r.desc.Kind)

	stored, err := r.upsertOne(ctx, e)
	if err != nil {
		return zero, err
	}
	r.afterWrite(before, stored)
	return stored, nil
}

// Delete removes the entity with id.
func (r *Repository[E]) Delete(ctx context.Context, id string) error {
	kind := r.desc.Kind
	n, err := r.storage.Exec(ctx, Delete{
		Table: r.desc.TableName(),
		Where: []Predicate{r.idPredicate(OpEq, id)},
	})
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, core.ErrNotFound)
	}
	r.cache.BumpEpoch(kind)
	return nil
}

// DeleteWhere removes every entity matching f. An empty filter is rejected.
func (r *Repository[E]) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	kind := r.desc.Kind
	nf, err := NormalizeFilter(r.desc, f)
	if err != nil {
		return 0, err
	}
	if len(nf) == 0 {
		return 0, fmt.Errorf("%w: delete requires at least one condition", core.ErrInvalidFilter)
	}

	n, err := r.storage.Exec(ctx, Delete{Table: r.desc.TableName(), Where: r.predicates(nf)})
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", kind, err)
	}
	if n > 0 {
		r.cache.BumpEpoch(kind)
	}
	return n, nil
}

// BulkWrite upserts entities one statement at a time. A row-scoped failure
// (see IsRowError) does not stop the batch. Transient faults are retried per
// row under the configured policy; once a row fails for any other reason the
// batch halts there and every later entity gets ErrNotWritten. The kind is
// invalidated once, after the batch.
func (r *Repository[E]) BulkWrite(ctx context.Context, entities []E) []Result[E] {
	results := make([]Result[E], len(entities))
	if len(entities) == 0 {
		return results
	}

	before := r.cache.Epoch(r.desc.Kind)
	var (
		written []E
		halted  bool
	)
	for i, e := range entities {
		if halted {
			results[i].Err = ErrNotWritten
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			halted = true
			continue
		}
		stored, err := r.writeWithRetry(ctx, e)
		results[i] = Result[E]{Entity: stored, Err: err}
		switch {
		case err == nil:
			written = append(written, stored)
		case !IsRowError(err):
			halted = true
		}
	}

	if len(written) > 0 {
		r.afterWrite(before, written...)
	}
	return results
}

// WriteRecords decodes recs into entities and bulk-writes them. The error
// slice is aligned with recs; a record that fails to decode gets a
// *core.ValidationError. Records after the one that halted the write get
// ErrNotWritten.
func (r *Repository[E]) WriteRecords(ctx context.Context, recs []core.Record) []error {
	errs := make([]error, len(recs))
	entities := make([]E, 0, len(recs))
	pos := make([]int, 0, len(recs))

	for i, rec := range recs {
		e, err := r.ed.FromRecord(rec)
		if err != nil {
			var ve *core.ValidationError
			if !errors.As(err, &ve) {
				err = &core.ValidationError{Message: err.Error()}
			}
			errs[i] = err
			continue
		}
		entities = append(entities, e)
		pos = append(pos, i)
	}

	halt := len(recs)
	for j, res := range r.BulkWrite(ctx, entities) {
		errs[pos[j]] = res.Err
		if res.Err != nil && !IsRowError(res.Err) && pos[j] < halt {
			halt = pos[j]
		}
	}
	for i := halt + 1; i < len(errs); i++ {
		errs[i] = ErrNotWritten
	}
	return errs
}

// ReadRecords runs q and returns the page as records keyed by field name.
func (r *Repository[E]) ReadRecords(ctx context.Context, q Query) ([]core.Record, error) {
	items, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]core.Record, len(items))
	for i, e := range items {
		out[i] = r.ed.ToRecord(e)
	}
	return out, nil
}

func (r *Repository[E]) writeWithRetry(ctx context.Context, e E) (E, error) {
	var stored E
	err := retry.Do(ctx, r.opts.retry, r.opts.sleep, core.IsTransient,
		func(attempt int, delay time.Duration, err error) {
			logging.FromContext(ctx).Warn("transient storage error, retrying",
				"entity_kind", r.desc.Kind,
				"attempt", attempt,
				"retry_after", delay,
				"error", err,
			)
		},
		func(ctx context.Context) error {
			var err error
			stored, err = r.upsertOne(ctx, e)
			return err
		})
	return stored, err
}

// upsertOne writes e without touching the cache.
func (r *Repository[E]) upsertOne(ctx context.Context, e E) (E, error) {
	var zero E
	kind := r.desc.Kind

	if len(r.desc.NaturalKey) == 0 {
		if r.ed.ID(e) == "" {
			e = r.ed.WithID(e, r.opts.newID())
		}
		if _, err := r.storage.Exec(ctx, Insert{
			Table:  r.desc.TableName(),
			Values: r.toColumns(r.ed.ToRecord(e)),
		}); err != nil {
			return zero, fmt.Errorf("insert %s: %w", kind, err)
		}
		return e, nil
	}

	rec := r.ed.ToRecord(e)
	var natural []Predicate
	for _, name := range r.desc.NaturalKey {
		v, ok := rec[name]
		if !ok || v == nil || v == "" {
			return zero, &core.ValidationError{Field: name, Message: "missing " + name}
		}
		natural = append(natural, Predicate{Column: r.column(name), Op: OpEq, Value: v})
	}
	if r.ed.ID(e) == "" {
		rec[r.desc.IDField] = r.opts.newID()
	}

	conflict := make([]string, len(r.desc.NaturalKey))
	for i, name := range r.desc.NaturalKey {
		conflict[i] = r.column(name)
	}
	if _, err := r.storage.Exec(ctx, Upsert{
		Table:      r.desc.TableName(),
		Values:     r.toColumns(rec),
		ConflictOn: conflict,
		Preserve:   []string{r.column(r.desc.IDField)},
	}); err != nil {
		return zero, fmt.Errorf("upsert %s: %w", kind, err)
	}

	return r.reload(ctx, natural)
}

// afterWrite retires every cached read of the kind, then caches the written
// entities under the new epoch. If another write bumped the epoch since
// before was read, the entities may already be outdated and are not cached.
func (r *Repository[E]) afterWrite(before uint64, written ...E) {
	kind := r.desc.Kind
	epoch := r.cache.BumpEpoch(kind)
	if epoch != before+1 {
		return
	}
	for _, e := range written {
		r.cache.Put(cache.EntityKey(kind, r.ed.ID(e), epoch), e, r.opts.ttl)
	}
}

func (r *Repository[E]) reload(ctx context.Context, where []Predicate) (E, error) {
	var zero E
	rows, err := r.storage.Query(ctx, Select{Table: r.desc.TableName(), Where: where, Limit: 1})
	if err != nil {
		return zero, fmt.Errorf("reload %s: %w", r.desc.Kind, err)
	}
	if len(rows) == 0 {
		return zero, fmt.Errorf("reload %s: %w", r.desc.Kind, core.ErrNotFound)
	}
	return r.decode(rows[0])
}

func (r *Repository[E]) decode(row core.Record) (E, error) {
	rec := make(core.Record, len(r.desc.Fields))
	for _, f := range r.desc.Fields {
		if v, ok := row[f.ColumnName()]; ok {
			rec[f.Name] = v
		}
	}
	e, err := r.ed.FromRecord(rec)
	if err != nil {
		return e, fmt.Errorf("decode %s: %w", r.desc.Kind, err)
	}
	return e, nil
}

func (r *Repository[E]) toColumns(rec core.Record) core.Record {
	out := make(core.Record, len(rec))
	for _, f := range r.desc.Fields {
		if v, ok := rec[f.Name]; ok {
			out[f.ColumnName()] = v
		}
	}
	return out
}

func (r *Repository[E]) patchColumns(patch core.Record) (core.Record, error) {
	if len(patch) == 0 {
		return nil, &core.ValidationError{Message: "empty patch"}
	}

	set := make(core.Record, len(patch))
	for name, v := range patch {
		spec, ok := r.desc.Field(name)
		if !ok {
			return nil, &core.ValidationError{Field: name, Message: "unknown field " + name}
		}
		if spec.Name == r.desc.IDField {
			return nil, &core.ValidationError{Field: name, Message: spec.Name + " cannot be changed"}
		}

		if s, isString := v.(string); isString {
			s = core.CleanCell(s)
			if s == "" {
				v = nil
			} else {
				if spec.Normalizer != nil {
					s = spec.Normalizer(s)
				}
				parsed, err := core.ValidateCell(spec, s)
				if err != nil {
					return nil, err
				}
				v = parsed
			}
		}
		if v == nil && spec.Required {
			return nil, &core.ValidationError{Field: spec.Name, Message: "missing " + spec.Name}
		}
		set[spec.ColumnName()] = v
	}
	return set, nil
}

func (r *Repository[E]) column(field string) string {
	if f, ok := r.desc.Field(field); ok {
		return f.ColumnName()
	}
	return field
}

func (r *Repository[E]) idPredicate(op Operator, v any) Predicate {
	return Predicate{Column: r.column(r.desc.IDField), Op: op, Value: v}
}

func (r *Repository[E]) predicates(f Filter) []Predicate {
	out := make([]Predicate, len(f))
	for i, c := range f {
		out[i] = Predicate{Column: r.column(c.Field), Op: c.Op, Value: c.Value}
	}
	return out
}

func (r *Repository[E]) selectFor(q Query) Select {
	order := make([]Order, len(q.Sort))
	for i, s := range q.Sort {
		order[i] = Order{Column: r.column(s.Field), Desc: s.Desc}
	}
	return Select{
		Table:  r.desc.TableName(),
		Where:  r.predicates(q.Filter),
		Order:  order,
		Limit:  q.Page.Size,
		Offset: q.Page.Offset(),
	}
}

// IsRowError reports whether err from a bulk write is scoped to its row:
// validation failures and uniqueness conflicts.
func IsRowError(err error) bool {
	var ve *core.ValidationError
	return errors.As(err, &ve) || errors.Is(err, core.ErrConflict)
}

// ErrNotWritten marks the entities of a bulk write that were skipped because
// an earlier row halted the batch.
var ErrNotWritten = errors.New("not written: batch halted on an earlier row")

// Binding is the kind-erased view of a Repository, used where the entity
// kind is only known at runtime.
type Binding interface {
	core.Described
	WriteRecords(ctx context.Context, recs []core.Record) []error
	ReadRecords(ctx context.Context, q Query) ([]core.Record, error)
}

var _ Binding = (*Repository[struct{}])(nil)
