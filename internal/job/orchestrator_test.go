package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/cache"
	"github.com/JonMunkholm/catalog/internal/catalog"
	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/queue"
	"github.com/JonMunkholm/catalog/internal/repository"
	"github.com/JonMunkholm/catalog/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingNotifier) sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// hookBinding runs before on each WriteRecords call and beforeRead on each
// ReadRecords call, both numbered from 1.
type hookBinding struct {
	repository.Binding
	calls      int
	reads      int
	before     func(call int)
	beforeRead func(call int)
}

func (h *hookBinding) WriteRecords(ctx context.Context, recs []core.Record) []error {
	h.calls++
	if h.before != nil {
		h.before(h.calls)
	}
	return h.Binding.WriteRecords(ctx, recs)
}

func (h *hookBinding) ReadRecords(ctx context.Context, q repository.Query) ([]core.Record, error) {
	h.reads++
	if h.beforeRead != nil {
		h.beforeRead(h.reads)
	}
	return h.Binding.ReadRecords(ctx, q)
}

type harness struct {
	orch     *Orchestrator
	store    *MemoryStore
	queue    *queue.MemoryQueue
	blobs    *blob.LocalStore
	storage  *repository.MemoryStorage
	repos    catalog.Repositories
	notifier *recordingNotifier
	pool     *queue.Pool
	products *hookBinding
}

var testJobConfig = config.JobConfig{
	BatchSize:      25,
	AbortMinRows:   100,
	AbortThreshold: 0.1,
	ErrorPreview:   100,
}

func newHarness(t *testing.T, cfg config.JobConfig) *harness {
	t.Helper()

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(1000)
	require.NoError(t, err)

	storage := repository.NewMemoryStorage(catalog.Descriptors()...)
	repos := catalog.NewRepositories(storage, c,
		repository.WithRetry(retry.Policy{MaxAttempts: 2, Initial: time.Millisecond}, noSleep))

	products := &hookBinding{Binding: repos.Products}
	kinds := core.NewRegistry[repository.Binding]()
	kinds.Register(products)
	kinds.Register(repos.Categories)

	q := queue.NewMemoryQueue()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	orch := New(Deps{Store: store, Queue: q, Blobs: blobs, Kinds: kinds, Notifier: notifier}, cfg)

	d := queue.NewDispatcher()
	orch.Register(d, retry.Policy{MaxAttempts: 2})

	return &harness{
		orch:     orch,
		store:    store,
		queue:    q,
		blobs:    blobs,
		storage:  storage,
		repos:    repos,
		notifier: notifier,
		pool:     queue.NewPool(q, d, 1, time.Millisecond, 0),
		products: products,
	}
}

func (h *harness) upload(t *testing.T, body string) string {
	t.Helper()
	key := blob.ImportKey(time.Now())
	require.NoError(t, h.blobs.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
	return key
}

func (h *harness) submit(t *testing.T, fileRef string, threshold float64) *Job {
	t.Helper()
	j, err := h.orch.Submit(context.Background(), Request{
		EntityKind:     "Product",
		FileRef:        fileRef,
		AbortThreshold: &threshold,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, j.Status)
	return j
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.pool.Drain(context.Background()))
}

func (h *harness) status(t *testing.T, id string) *Job {
	t.Helper()
	j, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) productCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.repos.Products.Count(context.Background(), nil)
	require.NoError(t, err)
	return n
}

// productFile builds n product rows priced at their row number. Rows listed
// in missingPrice have an empty price.
func productFile(n int, missingPrice ...int) string {
	skip := make(map[int]bool, len(missingPrice))
	for _, i := range missingPrice {
		skip[i] = true
	}

	var b strings.Builder
	b.WriteString("sku,name,price,stock\n")
	for i := 1; i <= n; i++ {
		price := fmt.Sprint(i)
		if skip[i] {
			price = ""
		}
		fmt.Fprintf(&b, "SKU-%03d,Product %d,%s,%d\n", i, i, price, i%7)
	}
	return b.String()
}

func TestImport_PartialFailure(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(100, 37, 82)), 0.1)

	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCompletedWithErrors, j.Status)
	assert.Equal(t, 100, j.Report.TotalRows)
	assert.Equal(t, 98, j.Report.Succeeded)
	assert.Equal(t, 2, j.Report.Failed)
	assert.Equal(t, []RowError{
		{RowIndex: 37, Message: "missing price"},
		{RowIndex: 82, Message: "missing price"},
	}, j.Report.RowErrors)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.FinishedAt)
	assert.Equal(t, int64(98), h.productCount(t))

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, submitted.ID, sent[0].JobID)
	assert.Equal(t, StatusCompletedWithErrors, sent[0].Status)
	assert.Equal(t, "98 of 100 rows succeeded, 2 failed", sent[0].Summary)
	assert.Equal(t, 0, h.queue.Len())
}

func TestImport_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, testJobConfig)
	ref := h.upload(t, productFile(60, 10))

	first := h.submit(t, ref, 0.1)
	h.drain(t)
	second := h.submit(t, ref, 0.1)
	h.drain(t)

	for _, id := range []string{first.ID, second.ID} {
		j := h.status(t, id)
		assert.Equal(t, StatusCompletedWithErrors, j.Status)
		assert.Equal(t, 59, j.Report.Succeeded)
	}
	assert.Equal(t, int64(59), h.productCount(t))
}

func TestImport_Completed(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(30)), 0)

	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 30, j.Report.Succeeded)
	assert.Empty(t, j.Report.RowErrors)
	assert.Equal(t, 30, j.Checkpoint.RowOffset)
}

func TestImport_AbortThreshold(t *testing.T) {
	cfg := testJobConfig
	cfg.BatchSize = 10
	cfg.AbortMinRows = 20

	var bad []int
	for i := 3; i <= 100; i += 3 {
		bad = append(bad, i)
	}

	h := newHarness(t, cfg)
	submitted := h.submit(t, h.upload(t, productFile(100, bad...)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.True(t, strings.HasPrefix(j.Reason, "abort threshold exceeded"), j.Reason)
	assert.Less(t, j.Report.Succeeded+j.Report.Failed, 100)
	assert.Equal(t, 20, j.Report.TotalRows)
	assert.Equal(t, 14, j.Report.Succeeded)
	assert.Equal(t, 6, j.Report.Failed)
	assert.Len(t, j.Report.RowErrors, 6)
	assert.Equal(t, int64(14), h.productCount(t))

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, StatusFailed, sent[0].Status)
}

func TestImport_AbortThresholdWithDefaultConfig(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("QUEUE_DRIVER", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)

	var bad []int
	for i := 2; i <= 100; i += 2 {
		bad = append(bad, i)
	}

	h := newHarness(t, cfg.Job)
	submitted := h.submit(t, h.upload(t, productFile(100, bad...)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.True(t, strings.HasPrefix(j.Reason, "abort threshold exceeded"), j.Reason)
	assert.Less(t, j.Report.Succeeded+j.Report.Failed, 100)
	assert.Equal(t, cfg.Job.AbortMinRows, j.Report.TotalRows)
	assert.Equal(t, cfg.Job.AbortMinRows, j.Checkpoint.RowOffset)
	assert.Equal(t, int64(j.Report.Succeeded), h.productCount(t))
}

// Files shorter than AbortMinRows are judged once, at end of file.
func TestImport_AbortThresholdAtEndOfFile(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(10, 2, 5)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 10, j.Report.TotalRows)
	assert.Equal(t, 8, j.Report.Succeeded)
}

func TestImport_ThresholdOneNeverAborts(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(4, 1, 2, 3, 4)), 1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCompletedWithErrors, j.Status)
	assert.Equal(t, 4, j.Report.Failed)
}

func TestImport_UnreadableFile(t *testing.T) {
	tests := []struct {
		name   string
		upload bool
		body   string
		reason string
	}{
		{name: "missing object", reason: "file unreadable: "},
		{name: "missing column", upload: true, body: "sku,name\nA,B\n", reason: "file unreadable: missing required columns: price"},
		{name: "empty", upload: true, reason: "file unreadable: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testJobConfig)
			ref := "imports/none.csv"
			if tt.upload {
				ref = h.upload(t, tt.body)
			}
			submitted := h.submit(t, ref, 0.1)
			h.drain(t)

			j := h.status(t, submitted.ID)
			assert.Equal(t, StatusFailed, j.Status)
			assert.True(t, strings.HasPrefix(j.Reason, tt.reason), j.Reason)
			assert.Zero(t, j.Report.TotalRows)
		})
	}
}

func TestCancel_Pending(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(10)), 0.1)

	j, err := h.orch.Cancel(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j.Status)

	h.drain(t)
	assert.Equal(t, int64(0), h.productCount(t))
	assert.Equal(t, StatusCancelled, h.status(t, submitted.ID).Status)
	assert.Len(t, h.notifier.sent(), 1)

	_, err = h.orch.Cancel(context.Background(), submitted.ID)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestCancel_RunningStopsAtBatchBoundary(t *testing.T) {
	cfg := testJobConfig
	cfg.BatchSize = 10
	h := newHarness(t, cfg)
	submitted := h.submit(t, h.upload(t, productFile(100)), 0.1)

	h.products.before = func(call int) {
		if call == 3 {
			_, err := h.orch.Cancel(context.Background(), submitted.ID)
			require.NoError(t, err)
		}
	}
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, reasonCancelled, j.Reason)
	assert.Equal(t, 30, j.Report.Succeeded)
	assert.Equal(t, 30, j.Checkpoint.RowOffset)
	assert.Equal(t, int64(30), h.productCount(t))
	assert.Equal(t, 3, h.products.calls)

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, StatusCancelled, sent[0].Status)
}

func TestImport_ResumesAfterInterruption(t *testing.T) {
	h := newHarness(t, testJobConfig)
	submitted := h.submit(t, h.upload(t, productFile(100, 90)), 0.1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.products.before = func(call int) {
		if call == 3 {
			cancel()
		}
	}
	ran, err := h.pool.RunOne(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	mid := h.status(t, submitted.ID)
	assert.Equal(t, StatusRunning, mid.Status)
	assert.Equal(t, 50, mid.Checkpoint.RowOffset)
	assert.Positive(t, mid.Checkpoint.ByteOffset)
	assert.Equal(t, 50, mid.Report.Succeeded)
	assert.Empty(t, h.notifier.sent())

	h.products.before = nil
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCompletedWithErrors, j.Status)
	assert.Equal(t, 100, j.Report.TotalRows)
	assert.Equal(t, 99, j.Report.Succeeded)
	assert.Equal(t, []RowError{{RowIndex: 90, Message: "missing price"}}, j.Report.RowErrors)
	assert.Equal(t, int64(99), h.productCount(t))
	assert.Len(t, h.notifier.sent(), 1)
}

func TestImport_TransientFaultsAreRetried(t *testing.T) {
	h := newHarness(t, testJobConfig)
	var calls atomic.Int32
	h.storage.SetFault(func(op string) error {
		if op == "exec" && calls.Add(1) <= 3 {
			return core.Transient("exec", errors.New("connection reset"))
		}
		return nil
	})

	submitted := h.submit(t, h.upload(t, productFile(40)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, 40, j.Report.Succeeded)
	assert.Equal(t, int64(40), h.productCount(t))
}

func TestImport_StorageUnavailableFailsJob(t *testing.T) {
	h := newHarness(t, testJobConfig)
	h.storage.SetFault(func(op string) error {
		if op == "exec" {
			return core.Transient("exec", errors.New("connection refused"))
		}
		return nil
	})

	submitted := h.submit(t, h.upload(t, productFile(40)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.True(t, strings.HasPrefix(j.Reason, reasonStorageUnavailable), j.Reason)
	assert.Zero(t, j.Report.Succeeded)
	assert.Equal(t, 0, h.queue.Len())
	assert.Len(t, h.notifier.sent(), 1)
}

func TestImport_StorageFaultKeepsCommittedRowsInReport(t *testing.T) {
	h := newHarness(t, testJobConfig)
	var execs atomic.Int32
	h.storage.SetFault(func(op string) error {
		if op == "exec" && execs.Add(1) > 9 {
			return core.Transient("exec", errors.New("connection refused"))
		}
		return nil
	})

	submitted := h.submit(t, h.upload(t, productFile(25, 3, 15)), 0.5)
	h.drain(t)
	h.storage.SetFault(nil)

	j := h.status(t, submitted.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.True(t, strings.HasPrefix(j.Reason, reasonStorageUnavailable+": row 11: "), j.Reason)
	assert.Equal(t, 1, strings.Count(j.Reason, reasonStorageUnavailable), j.Reason)

	assert.Equal(t, 10, j.Report.TotalRows)
	assert.Equal(t, 9, j.Report.Succeeded)
	assert.Equal(t, []RowError{{RowIndex: 3, Message: "missing price"}}, j.Report.RowErrors)
	assert.Equal(t, 10, j.Checkpoint.RowOffset)
	assert.Equal(t, int64(j.Report.Succeeded), h.productCount(t))
	assert.Equal(t, 0, h.queue.Len())
}

func TestImport_TerminalLogsCarryJobIDOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.New(&buf, "info", "text"))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t, testJobConfig)
	h.notifier.err = errors.New("webhook down")
	submitted := h.submit(t, h.upload(t, productFile(5)), 0.1)
	h.drain(t)

	lines := map[string]string{}
	for _, line := range strings.Split(buf.String(), "\n") {
		for _, msg := range []string{"job submitted", "job finished", "job notification failed"} {
			if strings.Contains(line, `msg="`+msg+`"`) {
				lines[msg] = line
			}
		}
	}
	require.Len(t, lines, 3, buf.String())
	for msg, line := range lines {
		assert.Equal(t, 1, strings.Count(line, "job_id="), msg)
		assert.Contains(t, line, "job_id="+submitted.ID, msg)
	}
}

func TestImport_NotifierFailureKeepsStatus(t *testing.T) {
	h := newHarness(t, testJobConfig)
	h.notifier.err = errors.New("webhook down")

	submitted := h.submit(t, h.upload(t, productFile(5)), 0.1)
	h.drain(t)

	assert.Equal(t, StatusCompleted, h.status(t, submitted.ID).Status)
	assert.Len(t, h.notifier.sent(), 1)
}

func TestStatus_CapsRowErrors(t *testing.T) {
	cfg := testJobConfig
	cfg.ErrorPreview = 1
	h := newHarness(t, cfg)
	submitted := h.submit(t, h.upload(t, productFile(100, 37, 82)), 0.1)
	h.drain(t)

	j := h.status(t, submitted.ID)
	assert.Equal(t, 2, j.Report.Failed)
	assert.Equal(t, []RowError{{RowIndex: 37, Message: "missing price"}}, j.Report.RowErrors)

	full, err := h.store.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Len(t, full.Report.RowErrors, 2)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, testJobConfig)
	ctx := context.Background()
	over := 1.5

	_, err := h.orch.Submit(ctx, Request{EntityKind: "product", FileRef: "f.csv", AbortThreshold: &over})
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "abortThreshold", ve.Field)

	_, err = h.orch.Submit(ctx, Request{EntityKind: "order", FileRef: "f.csv"})
	assert.ErrorIs(t, err, core.ErrUnknownKind)

	_, err = h.orch.Submit(ctx, Request{EntityKind: "product"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "fileRef", ve.Field)

	_, err = h.orch.Submit(ctx, Request{Kind: "reindex", EntityKind: "product", FileRef: "f.csv"})
	require.ErrorAs(t, err, &ve)

	_, err = h.orch.Submit(ctx, Request{Kind: KindExport, EntityKind: "product",
		Query: repository.Query{Filter: repository.Filter{{Field: "stock_qty", Op: repository.OpEq, Value: 1}}}})
	assert.ErrorIs(t, err, core.ErrInvalidFilter)

	j, err := h.orch.Submit(ctx, Request{EntityKind: " Product ", FileRef: "f.csv"})
	require.NoError(t, err)
	assert.Equal(t, "product", j.EntityKind)
	assert.Equal(t, KindImport, j.Kind)
	assert.Equal(t, 0.1, j.AbortThreshold)
	assert.Equal(t, 1, h.queue.Len())
}

func TestExport(t *testing.T) {
	cfg := testJobConfig
	cfg.BatchSize = 20
	h := newHarness(t, cfg)
	h.submit(t, h.upload(t, productFile(100)), 0.1)
	h.drain(t)

	exp, err := h.orch.Submit(context.Background(), Request{
		Kind:       KindExport,
		EntityKind: "product",
		Query: repository.Query{
			Filter: repository.Filter{{Field: "price", Op: repository.OpGte, Value: 50}},
			Sort:   []repository.SortSpec{{Field: "price", Desc: true}},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(exp.FileRef, "exports/"), exp.FileRef)
	h.drain(t)

	j := h.status(t, exp.ID)
	require.Equal(t, StatusCompleted, j.Status, j.Reason)
	assert.Equal(t, 51, j.Report.Succeeded)

	rows, err := fileproc.New(h.blobs).Parse(context.Background(), j.FileRef, catalog.ProductDescriptor{}.Descriptor(), fileproc.Checkpoint{})
	require.NoError(t, err)
	defer rows.Close()

	var skus []string
	for {
		raw, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rec, err := rows.Validate(raw)
		require.NoError(t, err)
		skus = append(skus, rec["sku"].(string))
	}
	require.Len(t, skus, 51)
	assert.Equal(t, "SKU-100", skus[0])
	assert.Equal(t, "SKU-050", skus[50])
}

func TestExport_CancelledBetweenPages(t *testing.T) {
	cfg := testJobConfig
	cfg.BatchSize = 10
	h := newHarness(t, cfg)
	h.submit(t, h.upload(t, productFile(50)), 0.1)
	h.drain(t)

	exp, err := h.orch.Submit(context.Background(), Request{Kind: KindExport, EntityKind: "product"})
	require.NoError(t, err)
	h.products.beforeRead = func(call int) {
		if call == 2 {
			_, err := h.orch.Cancel(context.Background(), exp.ID)
			require.NoError(t, err)
		}
	}
	h.drain(t)

	j := h.status(t, exp.ID)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, 20, j.Report.Succeeded)

	_, err = h.blobs.Open(context.Background(), j.FileRef)
	assert.ErrorIs(t, err, core.ErrNotFound, "partial export is removed")
}
