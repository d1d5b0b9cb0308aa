package observability

import "strings"

// DefaultSensitiveFields is the default substring list used to mask
// credentials in logged headers and payload fields.
var DefaultSensitiveFields = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"password",
	"secret",
	"token",
}

const maskedValue = "***"

// Masker redacts values whose key matches a configured substring.
type Masker struct {
	needles []string
}

// NewMasker creates a masker for the given sensitive-field list. An
// empty list falls back to DefaultSensitiveFields.
func NewMasker(fields []string) *Masker {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	needles := make([]string, len(fields))
	for i, f := range fields {
		needles[i] = strings.ToLower(f)
	}
	return &Masker{needles: needles}
}

// IsSensitive reports whether the key matches any configured substring.
func (m *Masker) IsSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, n := range m.needles {
		if strings.Contains(k, n) {
			return true
		}
	}
	return false
}

// MaskMap returns a copy of fields with sensitive values replaced.
// Nested maps are masked recursively.
func (m *Masker) MaskMap(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if m.IsSensitive(k) {
			out[k] = maskedValue
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = m.MaskMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskHeaders masks a flat header map, joining multi-valued headers.
func (m *Masker) MaskHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vals := range headers {
		if m.IsSensitive(k) {
			out[k] = maskedValue
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
