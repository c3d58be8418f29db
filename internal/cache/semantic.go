package cache

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	embedDim         = 256
	defaultTopK      = 64
	defaultThreshold = 0.9
	defaultIndexSize = 1024
)

// EmbedFunc turns a prompt into a fixed-dimension vector for similarity
// lookup. Vectors from one EmbedFunc are only comparable with each other.
type EmbedFunc func(text string) []float32

// HashBagEmbed is the embedder used when no model-backed one is configured:
// an FNV-1a bag of lowercased word tokens folded into 256 buckets and
// L2-normalized. Crude, but paraphrases sharing most words score high.
func HashBagEmbed(text string) []float32 {
	vec := make([]float32, embedDim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%embedDim]++
	}
	var sumsq float64
	for _, v := range vec {
		sumsq += float64(v) * float64(v)
	}
	if sumsq == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sumsq))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty or their dimensions differ.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type indexEntry struct {
	key       string
	variant   string
	vec       []float32
	expiresAt time.Time
}

// semanticIndex holds the most recent cache writes with their prompt
// embeddings. Scans walk newest to oldest over entries of the same variant;
// expired entries are pruned as they are encountered.
type semanticIndex struct {
	mu      sync.Mutex
	cap     int
	entries []indexEntry
}

func newSemanticIndex(capacity int) *semanticIndex {
	if capacity <= 0 {
		capacity = defaultIndexSize
	}
	return &semanticIndex{cap: capacity}
}

// add records a cache write. The oldest entry is dropped once the index is
// full; the exact tier stays authoritative either way.
func (ix *semanticIndex) add(key, variant string, vec []float32, expiresAt time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.entries {
		if ix.entries[i].key == key {
			ix.entries[i].vec = vec
			ix.entries[i].expiresAt = expiresAt
			return
		}
	}
	ix.entries = append(ix.entries, indexEntry{key: key, variant: variant, vec: vec, expiresAt: expiresAt})
	if len(ix.entries) > ix.cap {
		ix.entries = append(ix.entries[:0], ix.entries[1:]...)
	}
}

// scan returns the key of the best entry whose variant matches, whose record
// has not expired, and whose similarity clears threshold, examining at most
// topK compatible entries newest-first.
func (ix *semanticIndex) scan(variant string, vec []float32, threshold float64, topK int, now time.Time) (string, float64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var (
		bestKey string
		bestSim float64
		seen    int
		live    = ix.entries[:0]
	)
	for i := len(ix.entries) - 1; i >= 0; i-- {
		e := ix.entries[i]
		if !e.expiresAt.After(now) {
			continue
		}
		if e.variant != variant || seen >= topK {
			continue
		}
		seen++
		if sim := cosine(vec, e.vec); sim >= threshold && sim > bestSim {
			bestKey, bestSim = e.key, sim
		}
	}
	for _, e := range ix.entries {
		if e.expiresAt.After(now) {
			live = append(live, e)
		}
	}
	ix.entries = live
	return bestKey, bestSim, bestKey != ""
}

func (ix *semanticIndex) len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}
