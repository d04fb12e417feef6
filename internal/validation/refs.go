// Package validation contains format checks for payment references.
package validation

// IsValidTxid reports whether s is a well-formed instant-transfer charge
// identifier: 26 to 35 alphanumeric characters.
func IsValidTxid(s string) bool {
	if len(s) < 26 || len(s) > 35 {
		return false
	}
	return alphanumeric(s)
}

// IsValidEndToEndID reports whether s is a well-formed settlement identifier:
// the letter E followed by 31 alphanumeric characters.
func IsValidEndToEndID(s string) bool {
	if len(s) != 32 || s[0] != 'E' {
		return false
	}
	return alphanumeric(s[1:])
}

func alphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
