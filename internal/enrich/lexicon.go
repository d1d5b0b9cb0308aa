package enrich

import "strings"

// unitLexicon maps raw unit spellings and in-name keywords to
// canonical units. Keys are lower-case.
var unitLexicon = map[string]string{
	"шт": "шт", "шт.": "шт", "штука": "шт", "штук": "шт", "pcs": "шт",
	"кг": "кг", "кг.": "кг", "килограмм": "кг", "kg": "кг",
	"т": "т", "тн": "т", "тонна": "т", "тонн": "т",
	"м": "м", "метр": "м", "пог.м": "м", "пм": "м", "м.п.": "м",
	"м2": "м2", "кв.м": "м2", "м²": "м2",
	"м3": "м3", "куб.м": "м3", "м³": "м3",
	"л": "л", "л.": "л", "литр": "л",
	"упак": "упак", "уп": "упак", "уп.": "упак", "упаковка": "упак",
	"рулон": "рулон", "рул": "рулон", "рул.": "рулон",
	"мешок": "мешок", "меш": "мешок", "меш.": "мешок",
	"лист": "лист",
	"комплект": "комплект", "компл": "комплект", "к-т": "комплект",
}

// colorLexicon maps color keywords, including common inflections, to
// canonical color names.
var colorLexicon = map[string]string{
	"белый": "белый", "белая": "белый", "белое": "белый", "бел": "белый",
	"черный": "чёрный", "чёрный": "чёрный", "черная": "чёрный", "чёрная": "чёрный",
	"красный": "красный", "красная": "красный", "красное": "красный", "красн": "красный",
	"серый": "серый", "серая": "серый", "серое": "серый",
	"коричневый": "коричневый", "коричневая": "коричневый",
	"зеленый": "зелёный", "зелёный": "зелёный", "зеленая": "зелёный",
	"синий": "синий", "синяя": "синий", "голубой": "синий",
	"желтый": "жёлтый", "жёлтый": "жёлтый", "желтая": "жёлтый",
	"бежевый": "бежевый", "бежевая": "бежевый", "беж": "бежевый",
	"оранжевый": "оранжевый", "оранжевая": "оранжевый",
}

// categoryLexicon maps in-name keywords to use categories, for rows
// that arrive without one.
var categoryLexicon = map[string]string{
	"цемент":      "цемент",
	"бетон":       "бетон",
	"кирпич":      "кирпич",
	"песок":       "сыпучие материалы",
	"щебень":      "сыпучие материалы",
	"гравий":      "сыпучие материалы",
	"арматура":    "металлопрокат",
	"профиль":     "металлопрокат",
	"труба":       "трубы",
	"гипсокартон": "листовые материалы",
	"фанера":      "листовые материалы",
	"осб":         "листовые материалы",
	"утеплитель":  "теплоизоляция",
	"минвата":     "теплоизоляция",
	"пенопласт":   "теплоизоляция",
	"краска":      "лакокрасочные материалы",
	"грунтовка":   "лакокрасочные материалы",
	"эмаль":       "лакокрасочные материалы",
	"клей":        "клеи и смеси",
	"штукатурка":  "клеи и смеси",
	"шпаклевка":   "клеи и смеси",
	"плитка":      "плитка",
	"керамогранит": "плитка",
	"ламинат":     "напольные покрытия",
	"линолеум":    "напольные покрытия",
	"гвозди":      "крепёж",
	"саморез":     "крепёж",
	"дюбель":      "крепёж",
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch r {
		case ' ', ',', ';', '(', ')', '/', '\t':
			return true
		}
		return false
	})
}

// InferUnit scans text for a known unit keyword and returns the
// canonical unit, or "".
func InferUnit(text string) string {
	for _, tok := range tokens(text) {
		if unit, ok := unitLexicon[tok]; ok {
			return unit
		}
	}
	return ""
}

// InferColor scans text for a known color keyword and returns the
// canonical color, or "".
func InferColor(text string) string {
	for _, tok := range tokens(text) {
		if color, ok := colorLexicon[tok]; ok {
			return color
		}
	}
	return ""
}

// InferCategory scans text for a known material keyword and returns
// the use category, or "". The keyword appearing earliest in the text
// wins, so "клей для плитки" classifies as a glue, not a tile.
func InferCategory(text string) string {
	lower := strings.ToLower(text)
	best := ""
	bestIdx := -1
	for keyword, category := range categoryLexicon {
		idx := strings.Index(lower, keyword)
		if idx < 0 {
			continue
		}
		if bestIdx == -1 || idx < bestIdx || (idx == bestIdx && category < best) {
			best = category
			bestIdx = idx
		}
	}
	return best
}
