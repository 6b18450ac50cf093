package geo

import (
	"sort"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
)

// Index answers "which drivers are near this point". Implementations
// hold positions only; the driver directory stays the source of truth
// for availability and metadata.
type Index interface {
	Upsert(driverID string, loc models.Coord)
	Remove(driverID string)
	Nearby(center models.Coord, radiusKm float64, limit int) []string
}

// MemoryIndex is a naive scan index, fine for one process and tests.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.Coord)}
}

func (m *MemoryIndex) Upsert(driverID string, loc models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[driverID] = loc
}

func (m *MemoryIndex) Remove(driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, driverID)
}

func (m *MemoryIndex) Nearby(center models.Coord, radiusKm float64, limit int) []string {
	m.mu.RLock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(m.positions))
	for id, loc := range m.positions {
		if d := Haversine(center, loc); d <= radiusKm {
			arr = append(arr, pair{id, d})
		}
	}
	m.mu.RUnlock()
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].id < arr[j].id
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out
}
