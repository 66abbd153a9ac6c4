// Package index keeps note embeddings and the duplicate candidates found
// between them.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/noteflow/internal/store"
)

var log = ctrl.Log.WithName("index")

// DefaultDocument is the store document holding the index
const DefaultDocument = "vector-index"

// DefaultThreshold is the cosine similarity above which two notes are duplicate candidates
const DefaultThreshold = 0.92

// Pair is a duplicate candidate. A sorts before B.
type Pair struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

type document struct {
	Version int                  `json:"version"`
	Vectors map[string][]float32 `json:"vectors"`
	Pairs   []Pair               `json:"pairs"`
}

// Index is a vector index and duplicate-candidate service persisted as one
// store document. Every mutation is written through.
type Index struct {
	mu        sync.Mutex
	docs      store.Store
	name      string
	threshold float64
	vectors   map[string][]float32
	pairs     map[[2]string]float64
}

// Open loads the index from docs. A missing document is an empty index.
func Open(ctx context.Context, docs store.Store, threshold float64) (*Index, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	ix := &Index{
		docs:      docs,
		name:      DefaultDocument,
		threshold: threshold,
		vectors:   make(map[string][]float32),
		pairs:     make(map[[2]string]float64),
	}
	data, err := docs.Get(ctx, ix.name)
	if errors.Is(err, store.ErrNotFound) {
		return ix, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	for id, v := range doc.Vectors {
		ix.vectors[id] = v
	}
	for _, p := range doc.Pairs {
		ix.pairs[key(p.A, p.B)] = p.Score
	}
	log.V(1).Info("index loaded", "vectors", len(ix.vectors), "pairs", len(ix.pairs))
	return ix, nil
}

func key(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Upsert stores the embedding for nodeID
func (ix *Index) Upsert(ctx context.Context, nodeID string, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("embedding is empty")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors[nodeID] = append([]float32(nil), vec...)
	return ix.saveLocked(ctx)
}

// Delete removes the embedding for nodeID and every pair referencing it
func (ix *Index) Delete(ctx context.Context, nodeID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vectors, nodeID)
	ix.clearLocked(nodeID)
	return ix.saveLocked(ctx)
}

// ClearForNode removes every duplicate pair referencing nodeID
func (ix *Index) ClearForNode(ctx context.Context, nodeID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.clearLocked(nodeID) == 0 {
		return nil
	}
	return ix.saveLocked(ctx)
}

func (ix *Index) clearLocked(nodeID string) int {
	n := 0
	for k := range ix.pairs {
		if k[0] == nodeID || k[1] == nodeID {
			delete(ix.pairs, k)
			n++
		}
	}
	return n
}

// Detect compares nodeID's embedding with every other note and records the
// pairs above the threshold. It returns the ids of the candidates, sorted.
func (ix *Index) Detect(ctx context.Context, nodeID string) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	vec, ok := ix.vectors[nodeID]
	if !ok {
		return nil, fmt.Errorf("no embedding for %s", nodeID)
	}
	var found []string
	for other, ov := range ix.vectors {
		if other == nodeID {
			continue
		}
		score, ok := Cosine(vec, ov)
		if !ok || score < ix.threshold {
			continue
		}
		ix.pairs[key(nodeID, other)] = score
		found = append(found, other)
	}
	sort.Strings(found)
	if len(found) > 0 {
		log.Info("duplicate candidates found", "node", nodeID, "candidates", found)
	}
	return found, ix.saveLocked(ctx)
}

// AddPair records a candidate pair directly.
func (ix *Index) AddPair(ctx context.Context, a, b string, score float64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pairs[key(a, b)] = score
	return ix.saveLocked(ctx)
}

// Candidates returns the pairs referencing nodeID
func (ix *Index) Candidates(nodeID string) []Pair {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Pair
	for k, s := range ix.pairs {
		if k[0] == nodeID || k[1] == nodeID {
			out = append(out, Pair{A: k[0], B: k[1], Score: s})
		}
	}
	sortPairs(out)
	return out
}

// Pairs returns every candidate pair
func (ix *Index) Pairs() []Pair {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]Pair, 0, len(ix.pairs))
	for k, s := range ix.pairs {
		out = append(out, Pair{A: k[0], B: k[1], Score: s})
	}
	sortPairs(out)
	return out
}

// Vector returns the embedding for nodeID
func (ix *Index) Vector(nodeID string) ([]float32, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v, ok := ix.vectors[nodeID]
	return v, ok
}

// Len returns the number of embeddings
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.vectors)
}

func sortPairs(p []Pair) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].A != p[j].A {
			return p[i].A < p[j].A
		}
		return p[i].B < p[j].B
	})
}

func (ix *Index) saveLocked(ctx context.Context) error {
	doc := document{Version: 1, Vectors: ix.vectors, Pairs: make([]Pair, 0, len(ix.pairs))}
	for k, s := range ix.pairs {
		doc.Pairs = append(doc.Pairs, Pair{A: k[0], B: k[1], Score: s})
	}
	sortPairs(doc.Pairs)
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := ix.docs.Put(ctx, ix.name, data); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b. It reports false when the
// vectors differ in length or either has zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
