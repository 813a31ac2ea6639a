package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/falconeye/internal/gate"
	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
	"github.com/mohammad-safakhou/falconeye/tools/web_fetch"
	fetchmodels "github.com/mohammad-safakhou/falconeye/tools/web_fetch/models"
	"github.com/mohammad-safakhou/falconeye/tools/web_search"
	searchmodels "github.com/mohammad-safakhou/falconeye/tools/web_search/models"
)

// Retriever looks up previously stored findings for a namespace.
// *memory.Pipeline satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, namespace, query string, topK int) ([]vectorstore.Scored, error)
}

// Crew drives the fixed three-task sequence: reconnaissance, breach
// correlation, and strategy synthesis. Tasks run in order; each task's
// product feeds the next.
type Crew struct {
	llm        Provider
	searcher   web_search.WebSearcher
	fetcher    web_fetch.WebFetcher
	retriever  Retriever
	gate       *gate.Gate
	maxResults int
	fetchTop   int
	logger     *log.Logger
	metrics    *telemetry.Metrics
}

// CrewOptions tune the crew. Fetcher and Retriever are optional: a nil
// fetcher skips page rendering, a nil retriever skips breach-history
// correlation context.
type CrewOptions struct {
	Searcher   web_search.WebSearcher
	Fetcher    web_fetch.WebFetcher
	Retriever  Retriever
	MaxResults int
	FetchTop   int
	Metrics    *telemetry.Metrics
}

func NewCrew(llm Provider, opts CrewOptions) *Crew {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.FetchTop <= 0 {
		opts.FetchTop = 2
	}
	return &Crew{
		llm:        llm,
		searcher:   opts.Searcher,
		fetcher:    opts.Fetcher,
		retriever:  opts.Retriever,
		gate:       gate.New(),
		maxResults: opts.MaxResults,
		fetchTop:   opts.FetchTop,
		logger:     log.New(log.Writer(), "[CREW] ", log.LstdFlags),
		metrics:    opts.Metrics,
	}
}

const (
	taskRecon       = "recon"
	taskCorrelation = "correlation"
	taskStrategy    = "strategy"

	agentRecon    = "Recon Agent"
	agentAnalyst  = "Breach Analyst"
	agentStrategy = "Strategy Agent"
)

const reconSystem = `You are an elite OSINT investigator with years of experience in passive reconnaissance. You never interact with the target directly and only use publicly available information. Gather publicly available intelligence about the target using the search results provided.`

const analystSystem = `You are a seasoned threat-intelligence analyst who specialises in correlating breach dumps, paste-site leaks, and dark-web mentions with live OSINT findings. Correlate reconnaissance findings with historical breach data to identify exposed credentials and leaked records.`

const strategySystem = `You are a red-team consultant who designs phishing simulations and social-engineering exercises for Fortune-500 companies. Using the combined OSINT and breach data, craft a realistic social-engineering simulation plan that highlights the target's exposure and recommends mitigations.`

// Execute runs the three tasks in order. Each completed task emits a
// notification whose Finding is persisted by the caller; the strategy
// task's product becomes the outcome report.
func (c *Crew) Execute(ctx context.Context, req Request, notify func(Notification)) (Outcome, error) {
	ctx, span := telemetry.Tracer("engine").Start(ctx, "crew.execute")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", req.RunID))

	if err := c.gate.Validate(req.Target); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	reconReport, err := c.runRecon(ctx, req, notify)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, &TaskError{Task: taskRecon, Err: err}
	}

	breachReport, err := c.runCorrelation(ctx, req, reconReport, notify)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, &TaskError{Task: taskCorrelation, Err: err}
	}

	report, err := c.runStrategy(ctx, req, reconReport, breachReport, notify)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, &TaskError{Task: taskStrategy, Err: err}
	}

	span.SetStatus(codes.Ok, "")
	return Outcome{Report: report}, nil
}

func (c *Crew) runRecon(ctx context.Context, req Request, notify func(Notification)) (string, error) {
	notify(Notification{
		Task:    taskRecon,
		Agent:   agentRecon,
		Message: fmt.Sprintf("Performing passive reconnaissance on %q.", req.Target),
	})

	var evidence []string
	queries := []string{
		req.Target,
		req.Target + " data breach leak credentials",
	}
	for _, q := range queries {
		results, err := c.search(ctx, q)
		if err != nil {
			c.logger.Printf("search %q failed: %v", q, err)
			continue
		}
		if len(results) == 0 {
			continue
		}
		block := formatResultsBlock(results)
		notify(Notification{
			Task:    taskRecon,
			Agent:   agentRecon,
			Message: "## Search Results\n\n" + block,
		})
		evidence = append(evidence, fmt.Sprintf("Search query: %s\n%s", q, block))

		if c.fetcher != nil {
			for _, page := range c.fetchPages(ctx, results) {
				evidence = append(evidence, fmt.Sprintf("Page content from %s (%s):\n%s", page.URL, page.Title, page.Text))
			}
		}
	}

	prompt := fmt.Sprintf(
		"Perform passive reconnaissance on the target: '%s'. "+
			"Search for social-media profiles, public records, corporate registrations, and any other open-source data.\n\n"+
			"Collected evidence:\n\n%s\n\n"+
			"Produce a Markdown report with sections:\n"+
			"## Discovered Resources\n"+
			"For each finding list:\n"+
			"- **Resource:** [Title]\n"+
			"- **URL:** [Link]\n"+
			"- **Info:** [Snippet or description]\n\n"+
			"## Summary\n"+
			"A brief summary of all discovered OSINT data points including URLs, usernames, and associated metadata.",
		req.Target, joinEvidence(evidence))

	report, err := c.complete(ctx, reconSystem, prompt)
	if err != nil {
		return "", err
	}
	notify(Notification{Task: taskRecon, Agent: agentRecon, Message: report, Finding: report})
	return report, nil
}

func (c *Crew) runCorrelation(ctx context.Context, req Request, reconReport string, notify func(Notification)) (string, error) {
	notify(Notification{
		Task:    taskCorrelation,
		Agent:   agentAnalyst,
		Message: fmt.Sprintf("Correlating findings for %q with historical breach data.", req.Target),
	})

	history := req.SeedContext
	if c.retriever != nil {
		hits, err := c.retriever.Retrieve(ctx, req.Namespace, req.Target+" breach leak credentials", 0)
		if err != nil {
			// Degraded correlation, not a dead run. The analyst still
			// works from the recon report alone.
			c.logger.Printf("breach history retrieval failed: %v", err)
			notify(Notification{
				Task:    taskCorrelation,
				Agent:   agentAnalyst,
				Message: "Breach history is unavailable; correlating from live findings only.",
			})
		}
		for _, h := range hits {
			history = append(history, h.Chunk.Text)
		}
	}

	var historyBlock string
	if len(history) == 0 {
		historyBlock = "(no stored breach history for this target)"
	} else {
		historyBlock = "- " + strings.Join(history, "\n- ")
	}

	prompt := fmt.Sprintf(
		"Analyse breach and leak databases for any records related to the target: '%s'. "+
			"Cross-reference with the recon findings provided by the Recon Agent.\n\n"+
			"Recon findings:\n%s\n\n"+
			"Stored breach history:\n%s\n\n"+
			"Produce a Markdown correlation report with sections:\n"+
			"## Breach Findings\n"+
			"For each finding list:\n"+
			"- **Resource:** [Breach name or source]\n"+
			"- **URL:** [Reference link]\n"+
			"- **Info:** [Breached credentials, exposed PII, or leak details]\n\n"+
			"## Historical References\n"+
			"A list of historical leak references and their relevance.",
		req.Target, reconReport, historyBlock)

	report, err := c.complete(ctx, analystSystem, prompt)
	if err != nil {
		return "", err
	}
	notify(Notification{Task: taskCorrelation, Agent: agentAnalyst, Message: report, Finding: report})
	return report, nil
}

func (c *Crew) runStrategy(ctx context.Context, req Request, reconReport, breachReport string, notify func(Notification)) (string, error) {
	notify(Notification{
		Task:    taskStrategy,
		Agent:   agentStrategy,
		Message: "Designing the social-engineering simulation plan.",
	})

	prompt := fmt.Sprintf(
		"Based on all gathered intelligence for '%s', design a social-engineering simulation plan. "+
			"Include phishing pretexts, recommended attack vectors, and defensive mitigations the target should adopt.\n\n"+
			"Recon report:\n%s\n\n"+
			"Breach correlation report:\n%s\n\n"+
			"Produce a detailed social-engineering simulation report in Markdown format with sections:\n"+
			"## Executive Summary\n"+
			"## Attack Vectors\n"+
			"For each vector list:\n"+
			"- **Resource:** [Vector name]\n"+
			"- **URL:** [Related link if applicable]\n"+
			"- **Info:** [Description and impact]\n\n"+
			"## Phishing Pretexts\n"+
			"## Risk Rating\n"+
			"## Mitigations",
		req.Target, reconReport, breachReport)

	report, err := c.complete(ctx, strategySystem, prompt)
	if err != nil {
		return "", err
	}
	notify(Notification{Task: taskStrategy, Agent: agentStrategy, Message: report})
	return report, nil
}

// search asks the provider, tolerating a missing searcher (recon then
// leans on the LLM's prompt alone).
func (c *Crew) search(ctx context.Context, q string) ([]searchmodels.Result, error) {
	if c.searcher == nil {
		return nil, nil
	}
	if c.gate.Blocked(q) {
		c.logger.Printf("skipping blocked search query %q", q)
		return nil, nil
	}
	return c.searcher.Discover(ctx, q, c.maxResults)
}

// fetchPages renders the top result pages in parallel. Pages whose URL
// trips the safety gate are skipped before any request goes out.
func (c *Crew) fetchPages(ctx context.Context, results []searchmodels.Result) []fetchmodels.Result {
	var urls []string
	for _, r := range results {
		if len(urls) >= c.fetchTop {
			break
		}
		if r.URL == "" || c.gate.Blocked(r.URL) {
			continue
		}
		urls = append(urls, r.URL)
	}

	pages := make([]fetchmodels.Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			page, err := c.fetcher.Exec(gctx, u)
			if err != nil {
				c.logger.Printf("fetch %s failed: %v", u, err)
				return nil
			}
			pages[i] = page
			return nil
		})
	}
	_ = g.Wait()

	var out []fetchmodels.Result
	for _, p := range pages {
		if p.Text != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Crew) complete(ctx context.Context, system, prompt string) (string, error) {
	out, err := c.llm.Complete(ctx, system, prompt)
	if c.metrics != nil {
		if err != nil {
			c.metrics.LLMRequests.WithLabelValues("error").Inc()
		} else {
			c.metrics.LLMRequests.WithLabelValues("ok").Inc()
		}
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("model returned an empty completion")
	}
	return out, nil
}

// formatResultsBlock renders search hits as a numbered markdown block.
func formatResultsBlock(results []searchmodels.Result) string {
	var b strings.Builder
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "N/A"
		}
		link := r.URL
		if link == "" {
			link = "N/A"
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = "N/A"
		}
		fmt.Fprintf(&b, "### %d. %s\n**URL:** %s\n**Details:** %s\n\n", i+1, title, link, snippet)
	}
	return strings.TrimSpace(b.String())
}

func joinEvidence(evidence []string) string {
	if len(evidence) == 0 {
		return "(no search evidence was collected; rely on general knowledge and say so)"
	}
	return strings.Join(evidence, "\n\n---\n\n")
}
