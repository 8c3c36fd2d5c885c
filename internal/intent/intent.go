// Package intent implements the Intent Classifier: a
// zero-shot classifier over a closed category set using per-category
// centroid embeddings, plus a light regex entity-extraction pass.
package intent

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Category is one of the closed set of intent labels.
type Category string

const (
	CategoryGreeting        Category = "greeting"
	CategoryFarewell        Category = "farewell"
	CategoryThanks          Category = "thanks"
	CategoryHelp            Category = "help"
	CategoryStatus          Category = "status"
	CategoryKnowledgeQuery  Category = "knowledge_query"
	CategoryMemoryStore     Category = "memory_store"
	CategoryMemoryRetrieve  Category = "memory_retrieve"
	CategoryGraphQuery      Category = "graph_query"
	CategoryChitchat        Category = "chitchat"
	CategoryOutOfScope      Category = "out_of_scope"
	CategoryUnknown         Category = "unknown"
)

// Entities are the light facts the regex pass extracts from the message.
type Entities struct {
	MemoryKey  string // e.g. "timezone" from "remember that my timezone is ..."
	NodeLabel  string // e.g. a quoted or capitalized proper noun for graph queries
}

// Result is the outcome of one classification.
type Result struct {
	Category   Category
	Confidence float64
	Entities   Entities
}

// Embedder is the subset of the Embedding Client the classifier needs.
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
}

// labeledExamples seeds one centroid embedding per category. Kept small
// and in-repo so classification stays deterministic for a fixed model.
var labeledExamples = map[Category][]string{
	CategoryGreeting:       {"hello", "hi there", "good morning", "hey"},
	CategoryFarewell:       {"goodbye", "see you later", "bye", "talk to you soon"},
	CategoryThanks:         {"thank you", "thanks a lot", "appreciate it"},
	CategoryHelp:           {"help me", "what can you do", "how does this work"},
	CategoryStatus:         {"are you online", "what's your status", "is the system up"},
	CategoryKnowledgeQuery: {"what is the capital of France", "explain how photosynthesis works", "tell me about quantum computing"},
	CategoryMemoryStore:    {"remember that my timezone is America/Sao_Paulo", "remember my favorite color is blue", "store this fact for later"},
	CategoryMemoryRetrieve: {"what's my timezone", "what do you remember about me", "recall my favorite color"},
	CategoryGraphQuery:     {"how is Go related to Discord", "what connects these two things", "show me the path between A and B"},
	CategoryChitchat:       {"how's your day going", "tell me a joke", "what do you think about that"},
	CategoryOutOfScope:     {"write me a python script to hack a bank", "generate illegal content", "do something unrelated to this assistant"},
}

const defaultThreshold = 0.5 // INTENT_CONFIDENCE_THRESHOLD default

var (
	memoryKeyPattern = regexp.MustCompile(`(?i)\bmy\s+([a-z_][a-z0-9_ ]{1,30}?)\s+(?:is|=)\b`)
	quotedLabel      = regexp.MustCompile(`"([^"]{1,60})"`)
	capitalizedWord  = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]{1,40})\b`)
)

// Classifier is the Intent Classifier component. Its centroid embeddings are
// computed once, guarded by a single-shot lock so concurrent callers never
// double-load.
type Classifier struct {
	embedder  Embedder
	threshold float64

	initMu    sync.Mutex
	ready     bool
	centroids map[Category][]float32
}

// New creates a Classifier. threshold defaults to 0.5 (INTENT_CONFIDENCE_THRESHOLD)
// when zero.
func New(embedder Embedder, threshold float64) *Classifier {
	if threshold == 0 {
		threshold = defaultThreshold
	}
	return &Classifier{embedder: embedder, threshold: threshold}
}

// ensureReady computes every category's centroid embedding exactly once.
// First classification after restart may block awaiting this load.
func (c *Classifier) ensureReady(ctx context.Context) error {
	if c.ready {
		return nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.ready {
		return nil
	}

	centroids := make(map[Category][]float32, len(labeledExamples))
	for cat, examples := range labeledExamples {
		var sum []float32
		for _, ex := range examples {
			vec, err := c.embedder.Embed(ctx, ex)
			if err != nil {
				return err // already an *apperr.EmbeddingError
			}
			if sum == nil {
				sum = make([]float32, len(vec))
			}
			for i, v := range vec {
				sum[i] += v
			}
		}
		if len(examples) > 0 {
			for i := range sum {
				sum[i] /= float32(len(examples))
			}
		}
		centroids[cat] = sum
	}
	c.centroids = centroids
	c.ready = true
	return nil
}

// Classify maps text to a category with a confidence score and extracted
// entities. Empty text always returns unknown with zero confidence and no
// store writes, never reaching the embedder.
func (c *Classifier) Classify(ctx context.Context, text string) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Category: CategoryUnknown, Confidence: 0}, nil
	}

	if err := c.ensureReady(ctx); err != nil {
		return Result{}, err
	}

	vec, err := c.embedder.Embed(ctx, trimmed)
	if err != nil {
		return Result{}, err
	}

	var bestCat Category = CategoryUnknown
	var bestScore float64 = -2 // below any valid cosine similarity
	cats := make([]Category, 0, len(c.centroids))
	for cat := range c.centroids {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] }) // deterministic tie-break
	for _, cat := range cats {
		score := cosineSimilarity(vec, c.centroids[cat])
		if score > bestScore {
			bestScore = score
			bestCat = cat
		}
	}

	result := Result{Category: bestCat, Confidence: clamp01(bestScore), Entities: extractEntities(trimmed)}
	if result.Confidence < c.threshold {
		result.Category = CategoryUnknown
	}
	return result, nil
}

func extractEntities(text string) Entities {
	var e Entities
	if m := memoryKeyPattern.FindStringSubmatch(text); len(m) == 2 {
		e.MemoryKey = strings.TrimSpace(strings.ToLower(m[1]))
	}
	if m := quotedLabel.FindStringSubmatch(text); len(m) == 2 {
		e.NodeLabel = m[1]
	} else if m := capitalizedWord.FindStringSubmatch(text); len(m) == 2 {
		e.NodeLabel = m[1]
	}
	return e
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
