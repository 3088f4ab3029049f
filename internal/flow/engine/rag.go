package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runtime"
)

// RetrievedRef points at a retrieved source without carrying its content.
// Raw snippets never leave the backend; downstream nodes see references
// and scores only.
type RetrievedRef struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

type RetrievalStats struct {
	Collections []string `json:"collections"`
	Candidates  int      `json:"candidates"`
	Returned    int      `json:"returned"`
}

type IndexStats struct {
	Collections []string `json:"collections"`
	Documents   int      `json:"documents"`
	Skipped     int      `json:"skipped"`
}

// RAGAnswer is a query result. SynthesisError is set when retrieval worked
// but answer synthesis failed; the node still succeeds with the context.
type RAGAnswer struct {
	Answer         string
	Context        []RetrievedRef
	Stats          RetrievalStats
	SynthesisError string
}

// RAGBackend is the retrieval integration boundary. Index operations report
// progress through the line callback.
type RAGBackend interface {
	Collections(ctx context.Context) ([]string, error)
	FreshIndex(ctx context.Context, collections []string, progress func(line string)) (IndexStats, error)
	DeltaIndex(ctx context.Context, collections []string, progress func(line string)) (IndexStats, error)
	Query(ctx context.Context, query string, collections []string, topK int) (*RAGAnswer, error)
}

// ragHandler runs index maintenance and retrieval queries. Collections are
// selected by doublestar globs from the node's collections config.
type ragHandler struct{}

func (ragHandler) Execute(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun) (runtime.Output, []ArtifactDraft, error) {
	if ex.Retriever == nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: no retrieval backend configured", n.ID)
	}

	collections, err := selectCollections(ctx, ex.Retriever, n.Attr("collections", "**"))
	if err != nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: %w", n.ID, err)
	}

	mode := n.Attr("mode", "")
	switch mode {
	case "fresh_index", "delta_index":
		return executeIndex(ctx, ex, n, mode, collections)
	case "query":
		return executeQuery(ctx, ex, n, nr, collections)
	default:
		return runtime.Output{}, nil, fmt.Errorf("node %s: unknown rag mode %q", n.ID, mode)
	}
}

// selectCollections matches the backend's collections against the
// comma-separated glob list.
func selectCollections(ctx context.Context, backend RAGBackend, globs string) ([]string, error) {
	available, err := backend.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var patterns []string
	for _, g := range strings.Split(globs, ",") {
		if g = strings.TrimSpace(g); g != "" {
			patterns = append(patterns, g)
		}
	}

	var out []string
	for _, name := range available {
		for _, pat := range patterns {
			ok, err := doublestar.Match(pat, name)
			if err != nil {
				return nil, fmt.Errorf("collections glob %q: %w", pat, err)
			}
			if ok {
				out = append(out, name)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no collections match %q", globs)
	}
	return out, nil
}

// executeIndex streams backend progress lines into the node's event channel
// as they arrive.
func executeIndex(ctx context.Context, ex *Execution, n *model.Node, mode string, collections []string) (runtime.Output, []ArtifactDraft, error) {
	var mu sync.Mutex
	var lines []string
	progress := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
		ex.Events.Publish(TopicNodeUpdated, map[string]any{
			"event":               "rag_index_progress",
			"flowchart_id":        ex.Run.FlowchartID,
			"flowchart_run_id":    ex.Run.ID,
			"flowchart_node_id":   n.ID,
			"flowchart_node_type": string(n.Type),
			"line":                line,
		})
	}

	var stats IndexStats
	var err error
	if mode == "fresh_index" {
		stats, err = ex.Retriever.FreshIndex(ctx, collections, progress)
	} else {
		stats, err = ex.Retriever.DeltaIndex(ctx, collections, progress)
	}
	if err != nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: %s: %w", n.ID, mode, err)
	}

	state := map[string]any{
		"mode":        mode,
		"collections": stats.Collections,
		"documents":   stats.Documents,
		"skipped":     stats.Skipped,
	}
	out := runtime.Output{Status: runtime.ExecSuccess, State: state}
	mu.Lock()
	payload := map[string]any{"mode": mode, "stats": state, "progress_lines": len(lines)}
	mu.Unlock()
	return out, []ArtifactDraft{{Type: "rag_index", Payload: payload}}, nil
}

func executeQuery(ctx context.Context, ex *Execution, n *model.Node, nr *runtime.NodeRun, collections []string) (runtime.Output, []ArtifactDraft, error) {
	query := n.Attr("question_prompt", n.Attr("query", ""))
	if query == "" {
		if path := n.Attr("query_path", ""); path != "" {
			query = nr.InputContext.LookupString(path)
		}
	}
	if query == "" {
		return runtime.Output{}, nil, fmt.Errorf("node %s: rag query resolved empty", n.ID)
	}
	topK := parseInt(n.Attr("top_k", ""), 5)
	if topK < 1 {
		topK = 5
	}

	ans, err := ex.Retriever.Query(ctx, query, collections, topK)
	if err != nil {
		return runtime.Output{}, nil, fmt.Errorf("node %s: query: %w", n.ID, err)
	}

	refs := make([]map[string]any, 0, len(ans.Context))
	for _, ref := range ans.Context {
		refs = append(refs, map[string]any{"source": ref.Source, "score": ref.Score})
	}
	state := map[string]any{
		"answer":            ans.Answer,
		"retrieval_context": refs,
		"retrieval_stats": map[string]any{
			"collections": ans.Stats.Collections,
			"candidates":  ans.Stats.Candidates,
			"returned":    ans.Stats.Returned,
		},
	}
	if ans.SynthesisError != "" {
		state["synthesis_error"] = ans.SynthesisError
	}

	out := runtime.Output{Status: runtime.ExecSuccess, State: state}
	return out, []ArtifactDraft{{Type: "rag_query", Payload: state}}, nil
}

// StaticDoc is one document in the static backend's corpus.
type StaticDoc struct {
	Source  string
	Content string
}

// StaticRAGBackend serves tests and the CLI dry-run profile from an
// in-memory corpus. Scoring is naive term overlap; answers are synthesized
// as a source listing. Content stays inside the backend.
type StaticRAGBackend struct {
	mu      sync.Mutex
	corpus  map[string][]StaticDoc
	indexed map[string]int
}

var _ RAGBackend = (*StaticRAGBackend)(nil)

func NewStaticRAGBackend(corpus map[string][]StaticDoc) *StaticRAGBackend {
	if corpus == nil {
		corpus = map[string][]StaticDoc{}
	}
	return &StaticRAGBackend{corpus: corpus, indexed: map[string]int{}}
}

func (b *StaticRAGBackend) Collections(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.corpus))
	for name := range b.corpus {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (b *StaticRAGBackend) FreshIndex(_ context.Context, collections []string, progress func(string)) (IndexStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := IndexStats{Collections: collections}
	for _, name := range collections {
		docs := b.corpus[name]
		b.indexed[name] = len(docs)
		stats.Documents += len(docs)
		if progress != nil {
			progress(fmt.Sprintf("indexed %s: %d documents", name, len(docs)))
		}
	}
	return stats, nil
}

func (b *StaticRAGBackend) DeltaIndex(_ context.Context, collections []string, progress func(string)) (IndexStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := IndexStats{Collections: collections}
	for _, name := range collections {
		docs := b.corpus[name]
		delta := len(docs) - b.indexed[name]
		if delta < 0 {
			delta = 0
		}
		b.indexed[name] = len(docs)
		stats.Documents += delta
		stats.Skipped += len(docs) - delta
		if progress != nil {
			progress(fmt.Sprintf("delta %s: %d new, %d unchanged", name, delta, len(docs)-delta))
		}
	}
	return stats, nil
}

func (b *StaticRAGBackend) Query(_ context.Context, query string, collections []string, topK int) (*RAGAnswer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	var candidates []RetrievedRef
	for _, name := range collections {
		for _, doc := range b.corpus[name] {
			content := strings.ToLower(doc.Content)
			hits := 0
			for _, t := range terms {
				if strings.Contains(content, t) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			candidates = append(candidates, RetrievedRef{
				Source: doc.Source,
				Score:  float64(hits) / float64(len(terms)),
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Source < candidates[j].Source
	})

	ans := &RAGAnswer{
		Stats: RetrievalStats{Collections: collections, Candidates: len(candidates)},
	}
	for i, ref := range candidates {
		if i >= topK {
			break
		}
		ans.Context = append(ans.Context, ref)
	}
	ans.Stats.Returned = len(ans.Context)
	if len(ans.Context) == 0 {
		ans.SynthesisError = "no matching documents"
		return ans, nil
	}
	sources := make([]string, 0, len(ans.Context))
	for _, ref := range ans.Context {
		sources = append(sources, ref.Source)
	}
	ans.Answer = fmt.Sprintf("based on %d sources: %s", len(sources), strings.Join(sources, ", "))
	return ans, nil
}

