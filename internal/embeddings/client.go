// Package embeddings turns text into vectors for memory retrieval.
// Vectors come from a local Ollama server or from OpenAI's embeddings
// endpoint.
package embeddings

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mandarin/internal/httpkit"
)

// Embedder produces one vector per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config for an embedding client.
type Config struct {
	Provider string // "ollama" (default) or "openai"
	BaseURL  string // Ollama base URL (e.g., "http://localhost:11434") or an OpenAI-compatible URL
	Model    string // Embedding model (e.g., "nomic-embed-text")
}

// ErrNoKey is returned by the OpenAI backend when no API key is set.
var ErrNoKey = errors.New("embeddings: no OpenAI API key configured")

// New creates the embedder cfg selects. apiKey is consulted on every
// call by the OpenAI backend so key changes apply without a restart.
func New(cfg Config, apiKey func() string) Embedder {
	if strings.EqualFold(cfg.Provider, "openai") {
		return NewOpenAI(cfg.BaseURL, cfg.Model, apiKey)
	}
	return NewOllama(cfg.BaseURL, cfg.Model)
}

func newHTTPClient() *http.Client {
	return httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
}

// Ollama generates embeddings using Ollama's embedding API.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates an Ollama embedder.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(),
	}
}

// ollamaRequest is the Ollama embedding API request.
type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaResponse is the Ollama embedding API response.
type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed creates an embedding for the given text.
func (c *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := httpkit.PostJSON(ctx, c.client, "ollama", c.baseURL+"/api/embeddings", nil,
		ollamaRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return out.Embedding, nil
}

// OpenAI generates embeddings with the OpenAI embeddings endpoint.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  func() string
	client  *http.Client
}

// NewOpenAI creates an OpenAI embedder.
func NewOpenAI(baseURL, model string, apiKey func() string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  newHTTPClient(),
	}
}

type openAIRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed creates an embedding for the given text.
func (c *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var key string
	if c.apiKey != nil {
		key = c.apiKey()
	}
	if key == "" {
		return nil, ErrNoKey
	}
	resp, err := httpkit.PostJSON(ctx, c.client, "openai", c.baseURL+"/embeddings",
		map[string]string{"Authorization": "Bearer " + key},
		openAIRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned no embedding")
	}
	return out.Data[0].Embedding, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// Scored is an index into a vector list with its similarity to a query.
type Scored struct {
	Index int
	Score float32
}

// TopK returns the k vectors most similar to query whose similarity is
// at least minScore, best first. Ties keep input order.
func TopK(query []float32, vectors [][]float32, k int, minScore float32) []Scored {
	scores := make([]Scored, 0, len(vectors))
	for i, v := range vectors {
		if s := CosineSimilarity(query, v); s >= minScore {
			scores = append(scores, Scored{Index: i, Score: s})
		}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k >= 0 && len(scores) > k {
		scores = scores[:k]
	}
	return scores
}

// Encode packs a vector as little-endian float32 bytes for storage.
func Encode(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Decode reverses Encode. A length that is not a multiple of four
// yields nil.
func Decode(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
