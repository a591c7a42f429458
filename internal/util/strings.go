package util

// SafeTruncate returns at most maxLen bytes of s. It is used to log token
// hash prefixes without risking an out of range slice. A negative maxLen
// yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
