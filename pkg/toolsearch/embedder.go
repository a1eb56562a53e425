package toolsearch

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
)

const defaultHashDimensions = 512

// HashEmbedder is a local, deterministic embedder: words and character
// trigrams are hashed into a fixed number of buckets. It needs no network
// access and gives usable lexical similarity for tool names and descriptions.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns an embedder producing vectors of dims entries
// (512 when dims <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, h.dims)
		for _, word := range tokenize(text) {
			vec[h.bucket(word)] += 1
			padded := "#" + word + "#"
			for j := 0; j+3 <= len(padded); j++ {
				vec[h.bucket("3:"+padded[j:j+3])] += 0.5
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (h *HashEmbedder) bucket(s string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))
	return int(f.Sum32() % uint32(h.dims))
}

// tokenize lowercases text and splits it on non-alphanumerics and camelCase
// boundaries, so "listPullRequests" and "list_pull_requests" agree.
func tokenize(text string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return words
}

// OpenAIEmbedder embeds texts with the OpenAI embeddings API (or any
// compatible endpoint).
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// OpenAIOptions configure an OpenAIEmbedder.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIEmbedder builds an embedder; Model defaults to
// text-embedding-3-small.
func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("toolsearch: openai api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := openai.SmallEmbedding3
	if opts.Model != "" {
		model = openai.EmbeddingModel(opts.Model)
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = strings.ReplaceAll(t, "\n", " ")
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: input,
		Model: o.model,
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("toolsearch: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("toolsearch: missing embedding for input %d", i)
		}
	}
	return out, nil
}
