// Package vecindex implements the per-user flat vector index: an append-only
// slot -> vector mapping with exact L2 search, tombstoned deletes, and
// offline compaction.
package vecindex

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/stellarlinkco/memvault/internal/fsutil"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// Hit is one search result. Distance is the Euclidean (L2) distance to the
// query: lower means closer. Results are ordered by ascending distance with
// ties broken by storage order.
type Hit struct {
	Slot     int
	Distance float64
}

// Index holds every vector for one user. A slot is the vector's position in
// the file; slots are never reused on delete, only compaction renumbers them.
type Index struct {
	dim        int
	vectors    [][]float32
	tombstones map[int]struct{}
}

// New returns an empty index. The dimension is fixed by the first Add.
func New() *Index {
	return &Index{tombstones: make(map[int]struct{})}
}

// Dimension reports the vector dimension, 0 while the index is empty.
func (ix *Index) Dimension() int { return ix.dim }

// Len reports the total number of slots, tombstoned ones included.
func (ix *Index) Len() int { return len(ix.vectors) }

// Live reports the number of slots that have not been tombstoned.
func (ix *Index) Live() int { return len(ix.vectors) - len(ix.tombstones) }

// Add appends vectors and returns the slot of the first one. Every vector
// must match the index dimension; the first vector of an empty index sets it.
func (ix *Index) Add(vectors [][]float32) (int, error) {
	if len(vectors) == 0 {
		return 0, fmt.Errorf("add vectors: empty batch")
	}

	start := len(ix.vectors)
	for i, vec := range vectors {
		if len(vec) == 0 {
			return 0, fmt.Errorf("add vectors: empty vector at index %d", i)
		}
		if ix.dim == 0 {
			ix.dim = len(vec)
		}
		if len(vec) != ix.dim {
			return 0, fmt.Errorf("add vectors: dimension mismatch at index %d: got %d want %d", i, len(vec), ix.dim)
		}
		for j, v := range vec {
			if !isFinite(v) {
				return 0, fmt.Errorf("add vectors: invalid value at index %d position %d", i, j)
			}
		}
		copied := make([]float32, len(vec))
		copy(copied, vec)
		ix.vectors = append(ix.vectors, copied)
	}
	return start, nil
}

// Search runs an exact brute-force scan and returns up to k hits by ascending
// L2 distance. Tombstoned slots are excluded.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(ix.vectors) == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("search: query dimension mismatch: got %d want %d", len(query), ix.dim)
	}

	hits := make([]Hit, 0, ix.Live())
	for slot, vec := range ix.vectors {
		if _, dead := ix.tombstones[slot]; dead {
			continue
		}
		hits = append(hits, Hit{Slot: slot, Distance: l2Distance(query, vec)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Tombstone marks slots as deleted. Unknown slots are ignored.
func (ix *Index) Tombstone(slots ...int) {
	for _, slot := range slots {
		if slot >= 0 && slot < len(ix.vectors) {
			ix.tombstones[slot] = struct{}{}
		}
	}
}

// Tombstoned reports whether a slot has been marked deleted.
func (ix *Index) Tombstoned(slot int) bool {
	_, dead := ix.tombstones[slot]
	return dead
}

// Compact removes tombstoned vectors, renumbering the survivors contiguously
// in storage order. The returned map is old slot -> new slot so the metadata
// store can follow the renumbering. Every live slot appears in the map:
// with no tombstones the mapping is the identity, never nil, so a caller
// renumbering its records keeps all of them.
func (ix *Index) Compact() map[int]int {
	mapping := make(map[int]int, ix.Live())
	compacted := make([][]float32, 0, ix.Live())
	for slot, vec := range ix.vectors {
		if _, dead := ix.tombstones[slot]; dead {
			continue
		}
		mapping[slot] = len(compacted)
		compacted = append(compacted, vec)
	}

	ix.vectors = compacted
	ix.tombstones = make(map[int]struct{})
	if len(ix.vectors) == 0 {
		ix.dim = 0
	}
	return mapping
}

// Save rewrites the whole index file atomically.
func (ix *Index) Save(path string) error {
	data, err := encodeIndex(ix)
	if err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

// Open loads an index file. A missing file yields an empty index. A corrupt
// file is logged at warning level and also yields an empty index; the
// previous on-disk version stays untouched until the next save.
func Open(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("open index: %w", err)
	}

	ix, err := decodeIndex(data)
	if err != nil {
		log := logger.Component("vecindex")
		log.Warn().Err(err).Str("path", path).Msg("corrupt index file, starting empty")
		return New(), nil
	}
	return ix, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
