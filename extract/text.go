package extract

import "strings"

// plainText decodes text bytes tolerantly: invalid UTF-8 sequences are
// dropped rather than failing the entry. maxBytes > 0 caps the read.
func plainText(data []byte, maxBytes int) string {
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
}
