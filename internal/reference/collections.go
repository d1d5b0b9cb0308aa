// Package reference maintains the canonical color, unit and material
// vector collections used as nearest-neighbor targets during
// enrichment.
package reference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

// Collection names.
const (
	CollectionColors    = "reference_colors"
	CollectionUnits     = "reference_units"
	CollectionMaterials = "reference_materials"
)

// ErrDuplicateName is returned when a canonical name already exists in
// the collection.
var ErrDuplicateName = errors.New("reference: canonical name already exists")

// Entry is one canonical record in a reference collection.
type Entry struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Aliases []string  `json:"aliases,omitempty"`
	SKU     string    `json:"sku,omitempty"`
}

// EmbeddingText is the text sent to the embedder: the canonical name
// followed by the space-joined aliases.
func (e Entry) EmbeddingText() string {
	if len(e.Aliases) == 0 {
		return e.Name
	}
	return e.Name + " " + strings.Join(e.Aliases, " ")
}

// Hit is a nearest-neighbor result from a collection.
type Hit struct {
	Entry Entry
	Score float32
}

// Collection wraps one vector collection with name-uniqueness
// enforcement. Writes take the collection mutex so the pre-check and
// the insert are serialized; reads go straight to the store.
type Collection struct {
	name     string
	store    vectorstore.Store
	embedder embedding.Embedder

	mu sync.Mutex
}

// NewCollection creates a handle on one reference collection.
func NewCollection(name string, store vectorstore.Store, embedder embedding.Embedder) *Collection {
	return &Collection{name: name, store: store, embedder: embedder}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

func entryPayload(e Entry) map[string]interface{} {
	payload := map[string]interface{}{"name": e.Name}
	if len(e.Aliases) > 0 {
		aliases := make([]interface{}, len(e.Aliases))
		for i, a := range e.Aliases {
			aliases[i] = a
		}
		payload["aliases"] = aliases
	}
	if e.SKU != "" {
		payload["sku"] = e.SKU
	}
	return payload
}

func entryFromPoint(p vectorstore.Point) Entry {
	e := Entry{ID: p.ID}
	if name, ok := p.Payload["name"].(string); ok {
		e.Name = name
	}
	if sku, ok := p.Payload["sku"].(string); ok {
		e.SKU = sku
	}
	if raw, ok := p.Payload["aliases"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				e.Aliases = append(e.Aliases, s)
			}
		}
	}
	return e
}

// Add embeds and inserts an entry. The canonical name must be unique;
// duplicates return ErrDuplicateName.
func (c *Collection) Add(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Entry{}, fmt.Errorf("%w: empty canonical name", dberr.ErrQuery)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.findByName(ctx, e.Name)
	if err != nil && !errors.Is(err, dberr.ErrNotFound) {
		return Entry{}, err
	}
	if err == nil && existing.ID != e.ID {
		return Entry{}, fmt.Errorf("%w: %q in %s", ErrDuplicateName, e.Name, c.name)
	}

	emb, err := c.embedder.EmbedSingle(ctx, e.EmbeddingText())
	if err != nil {
		return Entry{}, fmt.Errorf("embed reference entry: %w", err)
	}

	point := vectorstore.Point{ID: e.ID, Vector: emb.Vector, Payload: entryPayload(e)}
	if err := c.store.Upsert(ctx, c.name, []vectorstore.Point{point}); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Delete removes an entry by id.
func (c *Collection) Delete(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.Get(ctx, c.name, id); err != nil {
		return err
	}
	return c.store.Delete(ctx, c.name, id)
}

// Get retrieves an entry by id.
func (c *Collection) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	p, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return Entry{}, err
	}
	return entryFromPoint(*p), nil
}

// List returns all entries in the collection.
func (c *Collection) List(ctx context.Context) ([]Entry, error) {
	points, err := c.store.List(ctx, c.name, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(points))
	for _, p := range points {
		out = append(out, entryFromPoint(p))
	}
	return out, nil
}

// ResolveByName finds an entry by exact canonical name. It backs the
// name-keyed admin delete without ever deleting by name directly.
func (c *Collection) ResolveByName(ctx context.Context, name string) (Entry, error) {
	return c.findByName(ctx, name)
}

func (c *Collection) findByName(ctx context.Context, name string) (Entry, error) {
	points, err := c.store.List(ctx, c.name, &vectorstore.Filter{
		Equals: map[string]interface{}{"name": name},
	}, 1)
	if err != nil {
		return Entry{}, err
	}
	if len(points) == 0 {
		return Entry{}, dberr.ErrNotFound
	}
	return entryFromPoint(points[0]), nil
}

// Nearest embeds the query text and returns the top-k entries ordered
// by cosine score. Ties on score resolve to the lexicographically
// smaller canonical name.
func (c *Collection) Nearest(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 1
	}
	emb, err := c.embedder.EmbedSingle(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.NearestByVector(ctx, emb.Vector, limit)
}

// tieWindow is how many extra hits are fetched past the requested
// limit so that score ties straddling the cut are broken by name, not
// by store order.
const tieWindow = 8

// NearestByVector searches with a pre-computed vector.
func (c *Collection) NearestByVector(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	hits, err := c.store.Search(ctx, c.name, vector, limit+tieWindow, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, Hit{
			Entry: entryFromPoint(vectorstore.Point{ID: h.ID, Payload: h.Payload}),
			Score: h.Score,
		})
	}
	// Deterministic ordering on score ties, applied before the
	// truncation so the cut respects it.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.Name < out[j].Entry.Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of entries.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	return c.store.Count(ctx, c.name)
}

// Set bundles the three reference collections.
type Set struct {
	Colors    *Collection
	Units     *Collection
	Materials *Collection
}

// NewSet creates the standard collection set over one store.
func NewSet(store vectorstore.Store, embedder embedding.Embedder) *Set {
	return &Set{
		Colors:    NewCollection(CollectionColors, store, embedder),
		Units:     NewCollection(CollectionUnits, store, embedder),
		Materials: NewCollection(CollectionMaterials, store, embedder),
	}
}

// ByName resolves a collection handle from its public name.
func (s *Set) ByName(name string) (*Collection, error) {
	switch name {
	case CollectionColors, "colors":
		return s.Colors, nil
	case CollectionUnits, "units":
		return s.Units, nil
	case CollectionMaterials, "materials":
		return s.Materials, nil
	default:
		return nil, fmt.Errorf("%w: unknown reference collection %q", dberr.ErrNotFound, name)
	}
}
