package utils

// MaskToken keeps the first and last four characters of a credential for
// display. Short values are fully masked.
func MaskToken(s string) string {
	const keep = 4
	if len(s) <= keep*2 {
		return "****"
	}
	return s[:keep] + "..." + s[len(s)-keep:]
}
