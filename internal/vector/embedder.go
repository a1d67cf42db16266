// ABOUTME: Embedder interface and HTTP client for embedding endpoints
// ABOUTME: Speaks both OpenAI-compatible /v1/embeddings and Ollama /api/embed

package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/2389/coven-mesh/internal/fault"
)

// Embedder turns text into vectors. Dimensions returns 0 until the
// backend has answered at least once.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

const defaultQueryCacheTTL = 5 * time.Minute

// HTTPEmbedder calls a remote embedding endpoint. Query-side embeddings
// go through a TTL cache so repeated searches for the same text do not
// hit the backend again.
type HTTPEmbedder struct {
	url    string
	apiKey string
	model  string
	client *http.Client
	cache  *gocache.Cache
	logger *slog.Logger
	dims   atomic.Int32
}

// NewHTTPEmbedder builds an embedder for the given endpoint URL. A URL
// path ending in /api/embed selects the Ollama request shape; anything
// else is treated as OpenAI-compatible. A zero cacheTTL uses the
// default of five minutes.
func NewHTTPEmbedder(url, apiKey, model string, cacheTTL time.Duration, logger *slog.Logger) *HTTPEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultQueryCacheTTL
	}
	return &HTTPEmbedder{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: logger.With("component", "embedder"),
	}
}

// Dimensions returns the embedding width reported by the backend, or 0
// before the first successful call.
func (e *HTTPEmbedder) Dimensions() int { return int(e.dims.Load()) }

// Ping verifies the backend is reachable by embedding a probe string.
func (e *HTTPEmbedder) Ping(ctx context.Context) error {
	_, err := e.Embed(ctx, []string{"ping"})
	return err
}

// Embed requests embeddings for the given texts, in order.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// Both endpoint styles accept {"model", "input"}; only the
	// response shape differs.
	payload, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fault.Unavailablef("embedding backend %s: %v", e.url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Unavailablef("embedding backend %s returned %d: %s",
			e.url, resp.StatusCode, truncate(string(raw), 200))
	}

	vecs, err := e.decode(raw)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fault.Internalf("embedding backend returned %d vectors for %d texts", len(vecs), len(texts))
	}
	if len(vecs) > 0 {
		// Embed may run from several goroutines at once; only the
		// first responder gets to set the width.
		e.dims.CompareAndSwap(0, int32(len(vecs[0])))
	}
	return vecs, nil
}

// EmbedQuery embeds a single query string through the TTL cache.
func (e *HTTPEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]float32), nil
	}

	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, vecs[0], gocache.DefaultExpiration)
	return vecs[0], nil
}

func (e *HTTPEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e *HTTPEmbedder) isOllama() bool {
	return strings.HasSuffix(strings.TrimSuffix(e.url, "/"), "/api/embed")
}

func (e *HTTPEmbedder) decode(raw []byte) ([][]float32, error) {
	if e.isOllama() {
		var out struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding ollama embed response: %w", err)
		}
		return out.Embeddings, nil
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
