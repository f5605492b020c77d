package factor

import "fmt"

// MaxLabelLength bounds factor labels.
const MaxLabelLength = 64

// ValidateLabel checks the factor label format: non-empty, bounded, and
// restricted to lowercase alphanumerics, dash and underscore.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label must not be empty")
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("label exceeds maximum length of %d", MaxLabelLength)
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("label contains forbidden character %q", r)
		}
	}
	return nil
}
