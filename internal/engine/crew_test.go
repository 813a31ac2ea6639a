package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/falconeye/internal/gate"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
	searchmodels "github.com/mohammad-safakhou/falconeye/tools/web_search/models"
)

type stubProvider struct {
	replies []string
	err     error
	calls   int
	prompts []string
}

func (s *stubProvider) Complete(_ context.Context, _, prompt string) (string, error) {
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if s.calls > len(s.replies) {
		return "fallback reply", nil
	}
	return s.replies[s.calls-1], nil
}

type stubSearcher struct {
	results []searchmodels.Result
	err     error
}

func (s stubSearcher) Discover(_ context.Context, _ string, _ int) ([]searchmodels.Result, error) {
	return s.results, s.err
}

type stubRetriever struct {
	hits []vectorstore.Scored
	err  error
}

func (s stubRetriever) Retrieve(_ context.Context, _, _ string, _ int) ([]vectorstore.Scored, error) {
	return s.hits, s.err
}

func collectNotifications() (func(Notification), *[]Notification) {
	var got []Notification
	return func(n Notification) { got = append(got, n) }, &got
}

func TestCrewExecuteSequence(t *testing.T) {
	llm := &stubProvider{replies: []string{"recon findings", "breach correlation", "final strategy plan"}}
	crew := NewCrew(llm, CrewOptions{
		Searcher: stubSearcher{results: []searchmodels.Result{
			{Title: "Acme Corp profile", URL: "https://example.com/acme", Snippet: "company overview"},
		}},
		Retriever: stubRetriever{hits: []vectorstore.Scored{
			{Chunk: vectorstore.Chunk{Text: "acme appeared in the 2019 credential dump"}},
		}},
	})

	notify, got := collectNotifications()
	out, err := crew.Execute(context.Background(), Request{RunID: "r1", Target: "acme-corp.com", Namespace: "r1"}, notify)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Report != "final strategy plan" {
		t.Fatalf("unexpected report: %q", out.Report)
	}
	if llm.calls != 3 {
		t.Fatalf("expected 3 completions, got %d", llm.calls)
	}

	// Tasks must appear in order with no interleaving.
	var taskOrder []string
	for _, n := range *got {
		if len(taskOrder) == 0 || taskOrder[len(taskOrder)-1] != n.Task {
			taskOrder = append(taskOrder, n.Task)
		}
	}
	want := []string{taskRecon, taskCorrelation, taskStrategy}
	if len(taskOrder) != len(want) {
		t.Fatalf("task order %v, want %v", taskOrder, want)
	}
	for i := range want {
		if taskOrder[i] != want[i] {
			t.Fatalf("task order %v, want %v", taskOrder, want)
		}
	}

	// Recon and correlation reports carry findings for write-back; the
	// strategy report does not (it is the outcome itself).
	var findings []string
	for _, n := range *got {
		if n.Finding != "" {
			findings = append(findings, n.Finding)
		}
	}
	if len(findings) != 2 || findings[0] != "recon findings" || findings[1] != "breach correlation" {
		t.Fatalf("unexpected findings: %v", findings)
	}

	// Retrieved breach history has to reach the analyst prompt.
	if !strings.Contains(llm.prompts[1], "2019 credential dump") {
		t.Fatalf("correlation prompt missing retrieved history:\n%s", llm.prompts[1])
	}
}

func TestCrewExecuteBlockedTarget(t *testing.T) {
	crew := NewCrew(&stubProvider{}, CrewOptions{})
	notify, got := collectNotifications()
	_, err := crew.Execute(context.Background(), Request{RunID: "r1", Target: "agency.gov"}, notify)
	var blocked *gate.BlockedTargetError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedTargetError, got %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("blocked target must produce no notifications, got %d", len(*got))
	}
}

func TestCrewExecuteLLMFailure(t *testing.T) {
	llm := &stubProvider{err: errors.New("model overloaded")}
	crew := NewCrew(llm, CrewOptions{})
	notify, _ := collectNotifications()
	_, err := crew.Execute(context.Background(), Request{RunID: "r1", Target: "acme-corp.com"}, notify)
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected TaskError, got %v", err)
	}
	if taskErr.Task != taskRecon {
		t.Fatalf("expected recon task failure, got %q", taskErr.Task)
	}
}

type recordingSearcher struct {
	queries []string
}

func (s *recordingSearcher) Discover(_ context.Context, q string, _ int) ([]searchmodels.Result, error) {
	s.queries = append(s.queries, q)
	return nil, nil
}

func TestCrewSearchSkipsBlockedQueries(t *testing.T) {
	searcher := &recordingSearcher{}
	crew := NewCrew(&stubProvider{}, CrewOptions{Searcher: searcher})

	results, err := crew.search(context.Background(), "agency.gov data breach leak credentials")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results != nil {
		t.Fatalf("blocked query returned results: %v", results)
	}
	if len(searcher.queries) != 0 {
		t.Fatalf("blocked query reached the provider: %v", searcher.queries)
	}

	if _, err := crew.search(context.Background(), "acme-corp.com data breach leak credentials"); err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(searcher.queries) != 1 {
		t.Fatalf("safe query did not reach the provider: %v", searcher.queries)
	}
}

func TestCrewSearchFailureDegrades(t *testing.T) {
	llm := &stubProvider{replies: []string{"r", "b", "s"}}
	crew := NewCrew(llm, CrewOptions{
		Searcher: stubSearcher{err: errors.New("quota exceeded")},
	})
	notify, _ := collectNotifications()
	out, err := crew.Execute(context.Background(), Request{RunID: "r1", Target: "acme-corp.com"}, notify)
	if err != nil {
		t.Fatalf("search failure must not kill the run: %v", err)
	}
	if out.Report != "s" {
		t.Fatalf("unexpected report: %q", out.Report)
	}
	if !strings.Contains(llm.prompts[0], "no search evidence") {
		t.Fatalf("recon prompt should note the missing evidence:\n%s", llm.prompts[0])
	}
}

func TestCrewRetrieverFailureDegrades(t *testing.T) {
	llm := &stubProvider{replies: []string{"r", "b", "s"}}
	crew := NewCrew(llm, CrewOptions{
		Retriever: stubRetriever{err: errors.New("store down")},
	})
	notify, got := collectNotifications()
	if _, err := crew.Execute(context.Background(), Request{RunID: "r1", Target: "acme-corp.com"}, notify); err != nil {
		t.Fatalf("retrieval failure must not kill the run: %v", err)
	}
	found := false
	for _, n := range *got {
		if strings.Contains(n.Message, "unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a degraded-correlation notification")
	}
}

func TestFormatResultsBlock(t *testing.T) {
	block := formatResultsBlock([]searchmodels.Result{
		{Title: "First", URL: "https://a.example", Snippet: "alpha"},
		{URL: "https://b.example"},
	})
	if !strings.Contains(block, "### 1. First") {
		t.Fatalf("missing numbered heading:\n%s", block)
	}
	if !strings.Contains(block, "**URL:** https://a.example") {
		t.Fatalf("missing url line:\n%s", block)
	}
	if !strings.Contains(block, "### 2. N/A") {
		t.Fatalf("missing fallback title:\n%s", block)
	}
	if !strings.Contains(block, "**Details:** alpha") {
		t.Fatalf("missing details line:\n%s", block)
	}
}
