package enrich

import (
	"context"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/reference"
)

// Normalized is the normalization stage output for one item.
type Normalized struct {
	Color   *string
	ColorID *uuid.UUID
	Unit    *string
	UnitID  *uuid.UUID
	// Failed is set when any present raw value stayed below its
	// threshold and was retained as-is.
	Failed bool
}

// Normalizer canonicalizes parsed colors and units against the
// reference collections by embedding nearest-neighbor. It never writes
// to the collections.
type Normalizer struct {
	refs           *reference.Set
	colorThreshold float32
	unitThreshold  float32
}

// NewNormalizer creates a normalization stage with the given cutoffs.
func NewNormalizer(refs *reference.Set, colorThreshold, unitThreshold float64) *Normalizer {
	return &Normalizer{
		refs:           refs,
		colorThreshold: float32(colorThreshold),
		unitThreshold:  float32(unitThreshold),
	}
}

// Normalize canonicalizes the color and parsed unit independently. A
// raw value below threshold is retained with the failed flag set.
func (n *Normalizer) Normalize(ctx context.Context, parsed *ParseResult) (*Normalized, error) {
	out := &Normalized{}

	if parsed.Color != nil && *parsed.Color != "" {
		canonical, id, ok, err := n.canonicalize(ctx, n.refs.Colors, *parsed.Color, n.colorThreshold)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Color = &canonical
			out.ColorID = &id
		} else {
			out.Color = parsed.Color
			out.Failed = true
		}
	}

	if parsed.ParsedUnit != nil && *parsed.ParsedUnit != "" {
		canonical, id, ok, err := n.canonicalize(ctx, n.refs.Units, *parsed.ParsedUnit, n.unitThreshold)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Unit = &canonical
			out.UnitID = &id
		} else {
			out.Unit = parsed.ParsedUnit
			out.Failed = true
		}
	}

	return out, nil
}

func (n *Normalizer) canonicalize(ctx context.Context, c *reference.Collection, raw string, threshold float32) (string, uuid.UUID, bool, error) {
	hits, err := c.Nearest(ctx, raw, 1)
	if err != nil {
		return "", uuid.Nil, false, err
	}
	if len(hits) == 0 || hits[0].Score < threshold {
		return "", uuid.Nil, false, nil
	}
	return hits[0].Entry.Name, hits[0].Entry.ID, true, nil
}
