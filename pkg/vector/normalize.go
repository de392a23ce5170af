package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeContent produces the canonical form used for content hashing:
// lower-case, accents stripped, punctuation collapsed to spaces, whitespace
// collapsed. Two documents with identical normalized text coalesce into one
// row.
func NormalizeContent(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if stripped, _, err := transform.String(accentStripper, text); err == nil {
		text = stripped
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentHash is the deterministic identity of a document: SHA-256 over the
// normalized content.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(text)))
	return hex.EncodeToString(sum[:])
}

// FormatVector renders a float32 slice as a pgvector text literal, e.g.
// "[0.1,0.2,0.3]", suitable for binding with a ::vector cast.
func FormatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
