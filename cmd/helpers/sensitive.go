package helpers

// MaskValue is the default mask used for sensitive fields
const MaskValue = "***********"

// MaskValues returns a copy of data with every value replaced by MaskValue.
func MaskValues(data map[string]any) map[string]any {
	masked := make(map[string]any, len(data))
	for k := range data {
		masked[k] = MaskValue
	}
	return masked
}
