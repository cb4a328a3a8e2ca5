package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"docflow-backend/internal/analyzer"
	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/documents"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/llm"
	"docflow-backend/internal/merge"
	"docflow-backend/internal/records"
	"docflow-backend/internal/render"
	"docflow-backend/internal/shared/storage/object/local"
)

type inferFunc func(ctx context.Context, req llm.InferRequest) (string, error)

func (f inferFunc) Infer(ctx context.Context, req llm.InferRequest) (string, error) {
	return f(ctx, req)
}

// invoiceLLM answers every batch with one Invoice covering the batch.
func invoiceLLM(calls *int) inferFunc {
	var mu sync.Mutex
	return func(_ context.Context, req llm.InferRequest) (string, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		return fmt.Sprintf(`{"documents":[{"document_type":"Invoice","page_start":%d,"page_end":%d,"fields":{"total":"%d.00"},"confidence":0.9}]}`,
			req.PageStart, req.PageEnd, req.PageStart), nil
	}
}

// pageRasterizer returns a fixed number of pages, or fails on a corrupt payload.
type pageRasterizer struct {
	pages int
}

func (r pageRasterizer) Render(_ context.Context, data []byte, _, _ string) ([]render.Page, error) {
	if string(data) == "corrupt" {
		return nil, errors.New("pdftoppm: exit status 1")
	}
	out := make([]render.Page, r.pages)
	for i := range out {
		out[i] = render.Page{Number: i + 1, MimeType: "image/png", Data: []byte{byte(i)}}
	}
	return out, nil
}

type harness struct {
	repo    *documents.MemoryRepo
	ledger  *ledger.Ledger
	store   *local.Store
	records *records.MemoryRepo
	orch    *Orchestrator
}

func newHarness(t *testing.T, client llm.Client, pages int) *harness {
	t.Helper()
	repo := documents.NewMemoryRepo()
	l := ledger.New(repo, nil)
	store := local.New(t.TempDir())
	recs := records.NewMemoryRepo()
	types := doctypes.NewMemoryRepo(doctypes.DocumentType{
		Name:   "Invoice",
		Fields: []doctypes.Field{{Name: "total", Type: "string"}},
	})
	return &harness{
		repo:    repo,
		ledger:  l,
		store:   store,
		records: recs,
		orch: &Orchestrator{
			Ledger:     l,
			Gate:       Gate{Repo: repo},
			Store:      store,
			Rasterizer: pageRasterizer{pages: pages},
			Analyzer:   &analyzer.Analyzer{Client: client, BatchSize: 3},
			Merger:     &merge.Merger{Records: recs, Store: store},
			Types:      types,
		},
	}
}

// seed stores a payload and creates an UPLOADED document pointing at it.
func (h *harness) seed(t *testing.T, id, payload string, enableAI bool) documents.Document {
	t.Helper()
	ctx := context.Background()
	key := "documents/u/" + id + "/scan.pdf"
	if _, err := h.store.Put(ctx, key, "application/pdf", strings.NewReader(payload), int64(len(payload)), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc := documents.Document{
		ID:               id,
		UserID:           "user-1",
		OriginalFilename: "scan.pdf",
		ContentType:      "application/pdf",
		BlobKey:          key,
		BlobBucket:       local.Bucket,
		State:            documents.StateUploaded,
		Progress:         100,
		EnableAI:         enableAI,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.repo.Create(ctx, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return doc
}

func (h *harness) doc(t *testing.T, id string) documents.Document {
	t.Helper()
	doc, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return doc
}

func (h *harness) path(t *testing.T, id string) []string {
	t.Helper()
	history, err := h.repo.ListTransitions(context.Background(), id)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	out := make([]string, 0, len(history))
	for _, tr := range history {
		out = append(out, fmt.Sprintf("%s:%d", tr.To, tr.Progress))
	}
	return out
}

func TestRunCompletesDocumentThroughEveryStage(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 4)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})
	if summary.Completed != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if calls != 2 {
		t.Fatalf("expected 2 batches, got %d", calls)
	}

	want := []string{"AI_QUEUED:0", "ANALYZING:0", "ANALYZING:10", "ANALYZING:70", "ANALYZING:90", "COMPLETED:100"}
	if got := h.path(t, "doc-1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected path:\n got %v\nwant %v", got, want)
	}

	final := h.doc(t, "doc-1")
	if final.SummaryBlobKey != merge.SummaryKey(doc.BlobKey) {
		t.Fatalf("summary key not recorded: %q", final.SummaryBlobKey)
	}
	if _, err := h.store.Get(context.Background(), final.SummaryBlobKey); err != nil {
		t.Fatalf("summary workbook missing: %v", err)
	}
	set, _ := h.records.ListByDocument(context.Background(), "doc-1")
	if len(set.Extracted) != 2 || len(set.Unverified) != 0 {
		t.Fatalf("unexpected records: %d extracted, %d unverified", len(set.Extracted), len(set.Unverified))
	}
}

func TestRunMalformedBatchStillCompletes(t *testing.T) {
	client := inferFunc(func(_ context.Context, req llm.InferRequest) (string, error) {
		if req.PageStart == 4 {
			return "I could not read these pages, sorry.", nil
		}
		return fmt.Sprintf(`{"documents":[{"document_type":"Invoice","page_start":%d,"page_end":%d,"fields":{},"confidence":0.7}]}`, req.PageStart, req.PageEnd), nil
	})
	h := newHarness(t, client, 5)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})

	if got := h.doc(t, "doc-1").State; got != documents.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	set, _ := h.records.ListByDocument(context.Background(), "doc-1")
	if len(set.Extracted) != 1 || len(set.Unverified) != 1 {
		t.Fatalf("unexpected records: %+v", set)
	}
	u := set.Unverified[0]
	if u.SuspectedType != analyzer.UnknownType || u.PageStart != 4 || u.PageEnd != 5 {
		t.Fatalf("unexpected degraded record: %+v", u)
	}
	if u.ReviewStatus != records.ReviewPending {
		t.Fatalf("expected PENDING review, got %s", u.ReviewStatus)
	}
}

func TestRunCancelDuringInferenceStopsAtNextBoundary(t *testing.T) {
	var h *harness
	calls := 0
	client := inferFunc(func(ctx context.Context, req llm.InferRequest) (string, error) {
		calls++
		if req.PageStart == 1 {
			if _, err := h.ledger.Cancel(ctx, "doc-1"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}
		return `{"documents":[]}`, nil
	})
	h = newHarness(t, client, 9)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})
	if summary.Cancelled != 1 {
		t.Fatalf("expected cancelled outcome, got %+v", summary)
	}
	if calls != 1 {
		t.Fatalf("expected inference to stop after first batch, got %d calls", calls)
	}
	final := h.doc(t, "doc-1")
	if final.State != documents.StateCancelled || final.ErrorMessage != CancelledMessage {
		t.Fatalf("unexpected final doc: state=%s msg=%q", final.State, final.ErrorMessage)
	}
	set, _ := h.records.ListByDocument(context.Background(), "doc-1")
	if len(set.Extracted)+len(set.Unverified) != 0 {
		t.Fatalf("cancelled document must not get records: %+v", set)
	}
	for _, step := range h.path(t, "doc-1") {
		if strings.HasPrefix(step, "COMPLETED") || strings.HasPrefix(step, "AI_FAILED") {
			t.Fatalf("cancelled document reached %s", step)
		}
	}
}

func TestRunHonoursCancelCommittedWhileQueued(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 2)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)
	ctx := context.Background()

	queued, err := h.ledger.Transition(ctx, "doc-1", ledger.Change{State: documents.StateAIQueued})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := h.ledger.Cancel(ctx, "doc-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The caller still holds the AI_QUEUED snapshot.
	summary := h.orch.Run(ctx, []documents.Document{queued}, merge.Override{})
	if summary.Cancelled != 1 || calls != 0 {
		t.Fatalf("expected cancel before any inference, summary=%+v calls=%d", summary, calls)
	}
	if got := h.doc(t, doc.ID); got.State != documents.StateCancelled || got.ErrorMessage != CancelledMessage {
		t.Fatalf("unexpected final doc: %+v", got)
	}
}

func TestRunFailureIsIsolatedPerDocument(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 2)
	bad := h.seed(t, "doc-bad", "corrupt", true)
	good := h.seed(t, "doc-good", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{bad, good}, merge.Override{})
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	failed := h.doc(t, "doc-bad")
	if failed.State != documents.StateAIFailed {
		t.Fatalf("expected AI_FAILED, got %s", failed.State)
	}
	if !strings.Contains(failed.ErrorMessage, "render pages") || strings.Contains(failed.ErrorMessage, "\n") {
		t.Fatalf("unexpected error message: %q", failed.ErrorMessage)
	}
	if got := h.doc(t, "doc-good").State; got != documents.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestRunInferenceErrorMarksAIFailed(t *testing.T) {
	client := inferFunc(func(context.Context, llm.InferRequest) (string, error) {
		return "", errors.New("upstream returned 502")
	})
	h := newHarness(t, client, 3)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})

	final := h.doc(t, "doc-1")
	if final.State != documents.StateAIFailed || final.Progress != 10 {
		t.Fatalf("unexpected final doc: state=%s progress=%d", final.State, final.Progress)
	}
	if !strings.Contains(final.ErrorMessage, "upstream returned 502") {
		t.Fatalf("cause not recorded: %q", final.ErrorMessage)
	}
}

func TestRunSkipsDocumentsWithoutAI(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 1)
	doc := h.seed(t, "doc-1", "%PDF-1.7", false)

	summary := h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})
	if summary.Skipped != 1 || calls != 0 {
		t.Fatalf("unexpected summary=%+v calls=%d", summary, calls)
	}
	if got := h.doc(t, "doc-1").State; got != documents.StateUploaded {
		t.Fatalf("document without AI must stay UPLOADED, got %s", got)
	}
}

func TestRerunExtractsAgainWithoutReupload(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 3)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)
	ctx := context.Background()

	h.orch.Run(ctx, []documents.Document{doc}, merge.Override{})
	requeued, err := h.ledger.Rerun(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if requeued.BlobKey != doc.BlobKey {
		t.Fatalf("rerun must keep the stored blob, got %q", requeued.BlobKey)
	}

	summary := h.orch.Run(ctx, []documents.Document{requeued}, merge.Override{TemplateID: "tmpl-9"})
	if summary.Completed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	set, _ := h.records.ListByDocument(ctx, "doc-1")
	if len(set.Extracted) != 1 {
		t.Fatalf("rerun must replace records, got %d", len(set.Extracted))
	}
	if set.Extracted[0].TemplateID != "tmpl-9" {
		t.Fatalf("override template not applied: %+v", set.Extracted[0])
	}
}

func TestGateReadsStoredState(t *testing.T) {
	repo := documents.NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, documents.Document{ID: "doc-1", UserID: "u", State: documents.StateCancelled, Attempt: 2})
	gate := Gate{Repo: repo}

	if err := gate.Check(ctx, "doc-1", 2); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := gate.Check(ctx, "doc-1", 1); !errors.Is(err, documents.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if err := gate.Check(ctx, "missing", 0); !errors.Is(err, documents.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunSkipsDocumentClaimedByRerun(t *testing.T) {
	var h *harness
	calls := 0
	nested := false
	var rerunSummary Summary
	client := inferFunc(func(ctx context.Context, req llm.InferRequest) (string, error) {
		calls++
		if !nested {
			nested = true
			// doc-2 waits behind doc-1: cancel it, re-run it and let a second
			// run take it over before the first run gets there.
			if _, err := h.ledger.Cancel(ctx, "doc-2"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			requeued, err := h.ledger.Rerun(ctx, "doc-2")
			if err != nil {
				t.Errorf("Rerun: %v", err)
			}
			rerunSummary = h.orch.Run(ctx, []documents.Document{requeued}, merge.Override{})
		}
		return fmt.Sprintf(`{"documents":[{"document_type":"Invoice","page_start":%d,"page_end":%d,"fields":{},"confidence":0.9}]}`, req.PageStart, req.PageEnd), nil
	})
	h = newHarness(t, client, 2)
	one := h.seed(t, "doc-1", "%PDF-1.7", true)
	two := h.seed(t, "doc-2", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{one, two}, merge.Override{})
	if summary.Completed != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected first run summary: %+v", summary)
	}
	if rerunSummary.Completed != 1 {
		t.Fatalf("unexpected rerun summary: %+v", rerunSummary)
	}
	if calls != 2 {
		t.Fatalf("expected one inference per document, got %d", calls)
	}

	want := []string{"AI_QUEUED:0", "CANCELLED:0", "AI_QUEUED:0", "ANALYZING:0", "ANALYZING:10", "ANALYZING:90", "COMPLETED:100"}
	if got := h.path(t, "doc-2"); !reflect.DeepEqual(got, want) {
		t.Fatalf("doc-2 must have a single owner:\n got %v\nwant %v", got, want)
	}
}

func TestRunStopsWritingOnceSuperseded(t *testing.T) {
	var h *harness
	calls := 0
	nested := false
	client := inferFunc(func(ctx context.Context, req llm.InferRequest) (string, error) {
		calls++
		if !nested {
			nested = true
			if _, err := h.ledger.Cancel(ctx, "doc-1"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			requeued, err := h.ledger.Rerun(ctx, "doc-1")
			if err != nil {
				t.Errorf("Rerun: %v", err)
			}
			h.orch.Run(ctx, []documents.Document{requeued}, merge.Override{TemplateID: "tmpl-new"})
		}
		return fmt.Sprintf(`{"documents":[{"document_type":"Invoice","page_start":%d,"page_end":%d,"fields":{},"confidence":0.9}]}`, req.PageStart, req.PageEnd), nil
	})
	h = newHarness(t, client, 9)
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})
	if summary.Skipped != 1 || summary.Completed != 0 {
		t.Fatalf("stale run must step aside, got %+v", summary)
	}
	if calls != 4 {
		t.Fatalf("expected 1 stale and 3 owning inference calls, got %d", calls)
	}

	final := h.doc(t, "doc-1")
	if final.State != documents.StateCompleted || final.Progress != 100 || final.Attempt != 2 {
		t.Fatalf("unexpected final doc: state=%s progress=%d attempt=%d", final.State, final.Progress, final.Attempt)
	}
	path := h.path(t, "doc-1")
	if last := path[len(path)-1]; last != "COMPLETED:100" {
		t.Fatalf("stale run wrote after completion: %v", path)
	}
	set, _ := h.records.ListByDocument(context.Background(), "doc-1")
	if len(set.Extracted) != 3 || set.Extracted[0].TemplateID != "tmpl-new" {
		t.Fatalf("records must come from the owning run: %+v", set.Extracted)
	}
}

// pdftoppmStub writes one PNG per page, honouring -l like the real binary.
type pdftoppmStub struct {
	pages int
}

func (s pdftoppmStub) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	last := s.pages
	if i := slices.Index(args, "-l"); i >= 0 {
		if n, err := strconv.Atoi(args[i+1]); err == nil && n < last {
			last = n
		}
	}
	prefix := args[len(args)-1]
	for i := 1; i <= last; i++ {
		if err := os.WriteFile(fmt.Sprintf("%s-%d.png", prefix, i), []byte{byte(i)}, 0o600); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

func TestRunFailsDocumentOverPageLimit(t *testing.T) {
	calls := 0
	h := newHarness(t, invoiceLLM(&calls), 0)
	h.orch.Rasterizer = &render.Renderer{Runner: pdftoppmStub{pages: 5}, Pdftoppm: "pdftoppm", DPI: 72, MaxPages: 3, TempDir: t.TempDir()}
	doc := h.seed(t, "doc-1", "%PDF-1.7", true)

	summary := h.orch.Run(context.Background(), []documents.Document{doc}, merge.Override{})
	if summary.Failed != 1 || calls != 0 {
		t.Fatalf("expected failure before inference, summary=%+v calls=%d", summary, calls)
	}
	final := h.doc(t, "doc-1")
	if final.State != documents.StateAIFailed || !strings.Contains(final.ErrorMessage, "page limit") {
		t.Fatalf("unexpected final doc: state=%s msg=%q", final.State, final.ErrorMessage)
	}
}
