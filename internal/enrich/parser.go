// Package enrich implements the per-item enrichment stages: AI
// parsing, reference normalization and SKU assignment.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/observability"
)

// ParseResult is the parser stage output. Originals are preserved by
// the caller; the parser only extracts.
type ParseResult struct {
	Color           *string  `json:"color,omitempty"`
	ParsedUnit      *string  `json:"parsed_unit,omitempty"`
	UnitCoefficient *float64 `json:"unit_coefficient,omitempty"`
	Confidence      float64  `json:"confidence"`
	LowConfidence   bool     `json:"low_confidence,omitempty"`
}

const parseSystemPrompt = `Extract attributes from a construction material name.
Respond with a single JSON object, no prose:
{"color": string|null, "parsed_unit": string|null, "unit_coefficient": number|null, "confidence": number}
- color: the color if the name states one, in Russian, lower-case
- parsed_unit: the unit of measure implied by the name or the given unit
- unit_coefficient: quantity per unit when the name states one (e.g. "25 кг" in a bag name), else null
- confidence: 0..1`

// minParseConfidence is the cutoff under which a parse is passed
// through as low-confidence.
const minParseConfidence = 0.5

// Parser turns free-text product names into structured attributes via
// a single completion call, with a keyword-lexicon fallback when the
// model is unavailable or unsure.
type Parser struct {
	completer embedding.Completer
	logger    *observability.Logger
}

// NewParser creates a parser stage.
func NewParser(completer embedding.Completer, logger *observability.Logger) *Parser {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Parser{completer: completer, logger: logger}
}

// Parse extracts color, unit and coefficient from a raw item. It never
// fails an item outright: unusable model output degrades to the
// lexicon and a low-confidence pass-through.
func (p *Parser) Parse(ctx context.Context, name, unit string) (*ParseResult, error) {
	result := p.fromModel(ctx, name, unit)
	if result == nil {
		result = &ParseResult{LowConfidence: true}
	}

	// Fill gaps from the keyword lexicon.
	if result.Color == nil {
		if color := InferColor(name); color != "" {
			result.Color = &color
		}
	}
	if result.ParsedUnit == nil {
		if inferred := InferUnit(name + " " + unit); inferred != "" {
			result.ParsedUnit = &inferred
		} else if unit != "" {
			u := strings.TrimSpace(strings.ToLower(unit))
			result.ParsedUnit = &u
		}
	}
	if result.Confidence < minParseConfidence {
		result.LowConfidence = true
	}
	return result, nil
}

func (p *Parser) fromModel(ctx context.Context, name, unit string) *ParseResult {
	if p.completer == nil {
		return nil
	}

	raw, err := p.completer.Complete(ctx, parseSystemPrompt,
		fmt.Sprintf("Name: %q\nUnit: %q", name, unit))
	if err != nil {
		p.logger.WithContext(ctx).Warn().Err(err).Str("name", name).
			Msg("parser completion failed, using lexicon")
		return nil
	}

	result := &ParseResult{}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), result); err != nil {
		p.logger.WithContext(ctx).Warn().Err(err).Str("name", name).
			Msg("parser returned malformed JSON, using lexicon")
		return nil
	}

	if result.Color != nil {
		c := strings.TrimSpace(strings.ToLower(*result.Color))
		if c == "" {
			result.Color = nil
		} else {
			result.Color = &c
		}
	}
	if result.ParsedUnit != nil {
		u := strings.TrimSpace(strings.ToLower(*result.ParsedUnit))
		if u == "" {
			result.ParsedUnit = nil
		} else {
			result.ParsedUnit = &u
		}
	}
	return result
}

// stripCodeFence unwraps ```json fenced responses some models emit.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
