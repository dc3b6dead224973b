package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/perkell/syrinx/pkg/provider/embeddings"
)

// Searcher is the vector search surface consumed by [Retriever]. *Store
// implements it.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]DocumentResult, error)
}

// Retriever turns a free-text query into a knowledge snippet: it embeds the
// query, searches the document index, and joins the matching contents.
type Retriever struct {
	embedder embeddings.Provider
	index    Searcher
	topK     int
}

// RetrieverOption is a functional option for [NewRetriever].
type RetrieverOption func(*Retriever)

// WithTopK sets how many documents are folded into the snippet. Default: 3.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) { r.topK = k }
}

// NewRetriever creates a Retriever over the given embedder and index.
func NewRetriever(embedder embeddings.Provider, index Searcher, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		embedder: embedder,
		index:    index,
		topK:     3,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns the snippet for query, or an empty string when nothing
// relevant is indexed.
func (r *Retriever) Retrieve(ctx context.Context, query string) (string, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("retrieve: embed query: %w", err)
	}

	results, err := r.index.Search(ctx, vec, r.topK)
	if err != nil {
		return "", fmt.Errorf("retrieve: search: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(results))
	for _, res := range results {
		parts = append(parts, res.Document.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}
