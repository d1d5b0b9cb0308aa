package reference

import (
	"context"
	"errors"
	"fmt"

	"github.com/stroyka-ai/material-catalog/internal/observability"
)

// Default canonical colors for supplier price lists, with the aliases
// seen most often in raw rows.
var DefaultColors = []Entry{
	{Name: "белый", Aliases: []string{"white", "бел"}},
	{Name: "чёрный", Aliases: []string{"черный", "black"}},
	{Name: "красный", Aliases: []string{"red", "красн"}},
	{Name: "серый", Aliases: []string{"gray", "grey", "сер"}},
	{Name: "коричневый", Aliases: []string{"brown", "корич"}},
	{Name: "зелёный", Aliases: []string{"зеленый", "green"}},
	{Name: "синий", Aliases: []string{"blue", "голубой"}},
	{Name: "жёлтый", Aliases: []string{"желтый", "yellow"}},
	{Name: "бежевый", Aliases: []string{"beige", "беж"}},
	{Name: "оранжевый", Aliases: []string{"orange"}},
}

// Default canonical units of measure.
var DefaultUnits = []Entry{
	{Name: "шт", Aliases: []string{"штука", "штук", "pcs", "шт."}},
	{Name: "кг", Aliases: []string{"килограмм", "kg", "кг."}},
	{Name: "т", Aliases: []string{"тонна", "тн", "ton"}},
	{Name: "м", Aliases: []string{"метр", "пог.м", "пм", "м.п."}},
	{Name: "м2", Aliases: []string{"кв.м", "м²", "квадратный метр"}},
	{Name: "м3", Aliases: []string{"куб.м", "м³", "кубический метр"}},
	{Name: "л", Aliases: []string{"литр", "l", "л."}},
	{Name: "упак", Aliases: []string{"упаковка", "уп", "уп."}},
	{Name: "рулон", Aliases: []string{"рул", "рул."}},
	{Name: "мешок", Aliases: []string{"меш", "меш."}},
	{Name: "лист", Aliases: []string{"л.", "лист."}},
	{Name: "комплект", Aliases: []string{"компл", "к-т"}},
}

// Seed pre-populates the color and unit collections with the defaults,
// skipping entries already present. The materials reference starts
// empty and grows through ingestion and self-seeding.
func (s *Set) Seed(ctx context.Context, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.DefaultLogger()
	}

	seed := func(c *Collection, entries []Entry) (int, error) {
		added := 0
		for _, e := range entries {
			if _, err := c.Add(ctx, e); err != nil {
				if errors.Is(err, ErrDuplicateName) {
					continue
				}
				return added, fmt.Errorf("seed %s %q: %w", c.Name(), e.Name, err)
			}
			added++
		}
		return added, nil
	}

	colors, err := seed(s.Colors, DefaultColors)
	if err != nil {
		return err
	}
	units, err := seed(s.Units, DefaultUnits)
	if err != nil {
		return err
	}

	logger.WithContext(ctx).Info().
		Int("colors", colors).
		Int("units", units).
		Msg("reference collections seeded")
	return nil
}
