package analyzer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/llm"
	"docflow-backend/internal/render"
)

type scriptedLLM struct {
	requests  []llm.InferRequest
	responses map[int]string // keyed by PageStart
	errAt     int
}

func (s *scriptedLLM) Infer(_ context.Context, req llm.InferRequest) (string, error) {
	s.requests = append(s.requests, req)
	if s.errAt != 0 && req.PageStart == s.errAt {
		return "", errors.New("connection reset by peer")
	}
	if resp, ok := s.responses[req.PageStart]; ok {
		return resp, nil
	}
	return fmt.Sprintf(`{"documents":[{"document_type":"Invoice","page_start":%d,"page_end":%d,"fields":{"batch":%d},"confidence":0.8}]}`,
		req.PageStart, req.PageEnd, req.PageStart), nil
}

type recordingObserver struct {
	before   []Batch
	progress []int
	stopAt   int
}

var errStop = errors.New("stop requested")

func (o *recordingObserver) BeforeBatch(_ context.Context, b Batch) error {
	if o.stopAt != 0 && b.Start == o.stopAt {
		return errStop
	}
	o.before = append(o.before, b)
	return nil
}

func (o *recordingObserver) AfterBatch(_ context.Context, _ Batch, progress int) error {
	o.progress = append(o.progress, progress)
	return nil
}

func testPages(n int) []render.Page {
	pages := make([]render.Page, n)
	for i := range pages {
		pages[i] = render.Page{Number: i + 1, MimeType: "image/png", Data: []byte{byte(i)}}
	}
	return pages
}

var invoiceType = []doctypes.DocumentType{{Name: "Invoice", Fields: []doctypes.Field{{Name: "total", Type: "number", Required: true}}}}

func TestPartitionFivePagesBatchTwo(t *testing.T) {
	got := Partition(5, 2)
	want := []Batch{{1, 2}, {3, 4}, {5, 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Partition(5,2)=%v want %v", got, want)
	}
	if Partition(0, 2) != nil {
		t.Fatalf("expected no batches for zero pages")
	}
	if got := Partition(4, 0); len(got) != 2 || got[0].Size() != DefaultBatchSize {
		t.Fatalf("expected default batch size, got %v", got)
	}
}

func TestAnalyzeCallsModelOncePerBatchInPageOrder(t *testing.T) {
	client := &scriptedLLM{}
	obs := &recordingObserver{}
	a := &Analyzer{Client: client, BatchSize: 2}

	res, err := a.Analyze(context.Background(), testPages(5), invoiceType, Hints{}, obs)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(client.requests) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(client.requests))
	}
	wantRanges := [][2]int{{1, 2}, {3, 4}, {5, 5}}
	for i, req := range client.requests {
		if req.PageStart != wantRanges[i][0] || req.PageEnd != wantRanges[i][1] {
			t.Fatalf("call %d range %d-%d want %v", i, req.PageStart, req.PageEnd, wantRanges[i])
		}
		if len(req.Images) != req.PageEnd-req.PageStart+1 || req.Images[0].Page != req.PageStart {
			t.Fatalf("call %d sent wrong images: %+v", i, req.Images)
		}
		if !strings.Contains(req.SystemPrompt, "Invoice") {
			t.Fatalf("system prompt should enumerate known types")
		}
	}
	if !reflect.DeepEqual(obs.progress, []int{42, 74, 90}) {
		t.Fatalf("unexpected progress %v", obs.progress)
	}
	if len(res.Findings) != 3 || res.Batches != 3 || res.Malformed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMalformedBatchDegradesWithoutBlockingLaterBatches(t *testing.T) {
	client := &scriptedLLM{responses: map[int]string{3: "I'm sorry, I cannot read these pages."}}
	a := &Analyzer{Client: client, BatchSize: 2}

	res, err := a.Analyze(context.Background(), testPages(5), invoiceType, Hints{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Findings) != 3 || res.Malformed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	bad := res.Findings[1]
	if bad.Type != UnknownType || !bad.Degraded() || bad.PageStart != 3 || bad.PageEnd != 4 {
		t.Fatalf("unexpected degraded finding: %+v", bad)
	}
	if res.Findings[2].Type != "Invoice" || res.Findings[2].PageStart != 5 {
		t.Fatalf("later batch missing: %+v", res.Findings[2])
	}
}

func TestInferenceErrorAbortsDocument(t *testing.T) {
	client := &scriptedLLM{errAt: 3}
	a := &Analyzer{Client: client, BatchSize: 2}
	res, err := a.Analyze(context.Background(), testPages(5), invoiceType, Hints{}, nil)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if len(client.requests) != 2 || len(res.Findings) != 1 {
		t.Fatalf("expected abort after second call, got %d calls %d findings", len(client.requests), len(res.Findings))
	}
}

func TestObserverCanStopBeforeBatch(t *testing.T) {
	client := &scriptedLLM{}
	obs := &recordingObserver{stopAt: 3}
	a := &Analyzer{Client: client, BatchSize: 2}
	_, err := a.Analyze(context.Background(), testPages(6), invoiceType, Hints{}, obs)
	if !errors.Is(err, errStop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected one call before stop, got %d", len(client.requests))
	}
}

func TestContinuationFoldsIntoPreviousFinding(t *testing.T) {
	client := &scriptedLLM{responses: map[int]string{
		1: `{"documents":[{"document_type":"Invoice","page_start":1,"page_end":2,"fields":{"number":"A-1","total":""},"confidence":0.9}]}`,
		3: `{"documents":[{"document_type":"Invoice","page_start":3,"page_end":3,"fields":{"total":120},"confidence":0.7,"continues_previous":true},` +
			`{"document_type":"Delivery Note","page_start":4,"page_end":4,"fields":{},"confidence":0.6}]}`,
	}}
	a := &Analyzer{Client: client, BatchSize: 2}
	res, err := a.Analyze(context.Background(), testPages(4), invoiceType, Hints{}, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", res.Findings)
	}
	inv := res.Findings[0]
	if inv.PageStart != 1 || inv.PageEnd != 3 || inv.Fields["total"] != float64(120) || inv.Fields["number"] != "A-1" || inv.Confidence != 0.7 {
		t.Fatalf("continuation not folded: %+v", inv)
	}
	if res.Findings[1].Type != "Delivery Note" {
		t.Fatalf("unexpected second finding: %+v", res.Findings[1])
	}
	if !strings.Contains(client.requests[1].SystemPrompt, "covering pages 1-2") {
		t.Fatalf("second prompt should describe the previous finding")
	}
}
