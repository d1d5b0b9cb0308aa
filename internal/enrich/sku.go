package enrich

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// ErrFallbackEmbedding is returned in strict mode when the combined
// embedding came from the deterministic fallback rather than the
// provider; such vectors must not seed the reference.
var ErrFallbackEmbedding = errors.New("enrich: refusing fallback embedding in strict mode")

// Assignment is the SKU stage output for one item.
type Assignment struct {
	SKU        *string
	Confidence *storage.SKUConfidence
	MatchedID  *uuid.UUID
	TopScore   float32
	// SelfSeeded means no candidate cleared the weak threshold and the
	// item was written into the materials reference as a new entry.
	SelfSeeded bool
	SeededID   *uuid.UUID
	// Vector is the combined embedding, reused by persistence.
	Vector   []float32
	Fallback bool
}

// Assigner matches items against the materials reference by combined
// embedding and applies the confident/weak/self-seed policy.
type Assigner struct {
	refs               *reference.Set
	embedder           embedding.Embedder
	confidentThreshold float32
	weakThreshold      float32
	topK               int
	strict             bool
}

// NewAssigner creates the SKU assignment stage.
func NewAssigner(refs *reference.Set, embedder embedding.Embedder, confident, weak float64, topK int, strict bool) *Assigner {
	if topK <= 0 {
		topK = 5
	}
	return &Assigner{
		refs:               refs,
		embedder:           embedder,
		confidentThreshold: float32(confident),
		weakThreshold:      float32(weak),
		topK:               topK,
		strict:             strict,
	}
}

// CombinedText builds the embedding input: name, parsed unit and color
// in that order, each stripped and lower-cased, missing parts omitted.
func CombinedText(name string, parsedUnit, color *string) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(strings.ToLower(name)); s != "" {
		parts = append(parts, s)
	}
	if parsedUnit != nil {
		if s := strings.TrimSpace(strings.ToLower(*parsedUnit)); s != "" {
			parts = append(parts, s)
		}
	}
	if color != nil {
		if s := strings.TrimSpace(strings.ToLower(*color)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Assign embeds the combined text, searches the materials reference
// and applies the threshold policy. Below the weak threshold the item
// self-seeds into the reference under a fresh id.
func (a *Assigner) Assign(ctx context.Context, name string, norm *Normalized) (*Assignment, error) {
	combined := CombinedText(name, norm.Unit, norm.Color)

	emb, err := a.embedder.EmbedSingle(ctx, combined)
	if err != nil {
		return nil, err
	}
	if emb.Fallback && a.strict {
		return nil, ErrFallbackEmbedding
	}

	out := &Assignment{Vector: emb.Vector, Fallback: emb.Fallback}

	hits, err := a.refs.Materials.NearestByVector(ctx, emb.Vector, a.topK)
	if err != nil {
		return nil, err
	}

	if len(hits) > 0 {
		top := hits[0]
		out.TopScore = top.Score
		switch {
		case top.Score >= a.confidentThreshold:
			out.SKU = skuOf(top.Entry)
			conf := storage.SKUConfidenceHigh
			out.Confidence = &conf
			id := top.Entry.ID
			out.MatchedID = &id
			return out, nil
		case top.Score >= a.weakThreshold:
			out.SKU = skuOf(top.Entry)
			conf := storage.SKUConfidenceLow
			out.Confidence = &conf
			id := top.Entry.ID
			out.MatchedID = &id
			return out, nil
		}
	}

	// No candidate cleared the weak threshold: seed the item itself so
	// the next occurrence can match it.
	seeded, err := a.refs.Materials.Add(ctx, reference.Entry{
		ID:   uuid.New(),
		Name: combined,
	})
	if err != nil {
		if errors.Is(err, reference.ErrDuplicateName) {
			// Another worker seeded the same combined text first.
			existing, rerr := a.refs.Materials.ResolveByName(ctx, combined)
			if rerr != nil {
				return nil, rerr
			}
			out.SelfSeeded = true
			out.SeededID = &existing.ID
			return out, nil
		}
		return nil, err
	}
	out.SelfSeeded = true
	out.SeededID = &seeded.ID
	return out, nil
}

func skuOf(e reference.Entry) *string {
	if e.SKU == "" {
		return nil
	}
	sku := e.SKU
	return &sku
}
