package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/enrich"
	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// PersistFunc writes an enriched material and its embedding to the
// backing stores. Implementations route through the fallback fabric.
type PersistFunc func(ctx context.Context, m *storage.Material, vector []float32) error

// Enricher is the standard item processor: the three enrichment stages
// followed by persistence, strictly in order.
type Enricher struct {
	parser     *enrich.Parser
	normalizer *enrich.Normalizer
	assigner   *enrich.Assigner
	persist    PersistFunc
}

// NewEnricher wires the stages into a Processor.
func NewEnricher(parser *enrich.Parser, normalizer *enrich.Normalizer, assigner *enrich.Assigner, persist PersistFunc) *Enricher {
	return &Enricher{parser: parser, normalizer: normalizer, assigner: assigner, persist: persist}
}

// Process runs parse → normalize → assign-SKU → persist for one item.
func (e *Enricher) Process(ctx context.Context, item Item) (*storage.EnrichedOutput, storage.Stage, error) {
	parsed, err := e.parser.Parse(ctx, item.Name, item.Unit)
	if err != nil {
		return nil, storage.StageParse, err
	}

	norm, err := e.normalizer.Normalize(ctx, parsed)
	if err != nil {
		return nil, storage.StageNormalize, err
	}

	assignment, err := e.assigner.Assign(ctx, item.Name, norm)
	if err != nil {
		return nil, storage.StageAssignSKU, err
	}

	unit := item.Unit
	if norm.Unit != nil {
		unit = *norm.Unit
	}
	useCategory := item.UseCategory
	if useCategory == "" {
		useCategory = enrich.InferCategory(item.Name)
	}

	material := &storage.Material{
		ID:          uuid.New(),
		Name:        item.Name,
		UseCategory: useCategory,
		Unit:        unit,
		SKU:         assignment.SKU,
		Description: item.Description,
		Color:       norm.Color,
		Embedding:   assignment.Vector,
	}

	if err := e.persist(ctx, material, assignment.Vector); err != nil {
		return nil, storage.StagePersist, err
	}

	output := &storage.EnrichedOutput{
		Material:            material,
		Color:               norm.Color,
		ParsedUnit:          norm.Unit,
		UnitCoefficient:     parsed.UnitCoefficient,
		NormalizationFailed: norm.Failed,
		SKUConfidence:       assignment.Confidence,
		SelfSeeded:          assignment.SelfSeeded,
	}
	return output, storage.StagePersist, nil
}

var _ Processor = (*Enricher)(nil)
