package parserkit

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names reported in metrics.
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF16LE = "utf-16-le"
	EncodingUTF16BE = "utf-16-be"
	EncodingCP1252  = "cp1252"
	EncodingLatin1  = "latin-1"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// CP1252 leaves these bytes undefined; their presence forces Latin-1.
var cp1252Undefined = [...]byte{0x81, 0x8D, 0x8F, 0x90, 0x9D}

// DetectEncoding inspects a head of at most 8 KiB and returns the chosen
// encoding and whether a non-UTF-8 fallback was used. The cascade is
// BOM, strict UTF-8, CP1252, Latin-1; Latin-1 cannot fail.
func DetectEncoding(head []byte) (encoding string, fallback bool) {
	if len(head) > 8192 {
		head = head[:8192]
	}
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return EncodingUTF8, false
	case bytes.HasPrefix(head, bomUTF16LE):
		return EncodingUTF16LE, false
	case bytes.HasPrefix(head, bomUTF16BE):
		return EncodingUTF16BE, false
	}
	if utf8.Valid(head) {
		return EncodingUTF8, false
	}
	for _, b := range cp1252Undefined {
		if bytes.IndexByte(head, b) >= 0 {
			return EncodingLatin1, true
		}
	}
	return EncodingCP1252, true
}

// DecodeBody decodes a full file body using the cascade from
// DetectEncoding, stripping any BOM. The returned text never starts
// with U+FEFF.
func DecodeBody(content []byte) (text string, encoding string, fallback bool, err error) {
	encoding, fallback = DetectEncoding(content)

	switch encoding {
	case EncodingUTF8:
		content = bytes.TrimPrefix(content, bomUTF8)
		// UTF-8 detection on the head can be wrong mid-file; re-verify
		// and fall through the cascade on the full body.
		if !utf8.Valid(content) {
			for _, b := range cp1252Undefined {
				if bytes.IndexByte(content, b) >= 0 {
					encoding, fallback = EncodingLatin1, true
					break
				}
			}
			if encoding == EncodingUTF8 {
				encoding, fallback = EncodingCP1252, true
			}
		} else {
			return string(content), encoding, fallback, nil
		}
	case EncodingUTF16LE:
		decoded, derr := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(content)
		if derr != nil {
			return "", encoding, fallback, derr
		}
		return strings.TrimPrefix(string(decoded), "\uFEFF"), encoding, fallback, nil
	case EncodingUTF16BE:
		decoded, derr := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(content)
		if derr != nil {
			return "", encoding, fallback, derr
		}
		return strings.TrimPrefix(string(decoded), "\uFEFF"), encoding, fallback, nil
	}

	switch encoding {
	case EncodingCP1252:
		decoded, derr := charmap.Windows1252.NewDecoder().Bytes(content)
		if derr != nil {
			return "", encoding, fallback, derr
		}
		return string(decoded), encoding, fallback, nil
	default: // Latin-1: every byte maps; cannot fail
		decoded, derr := charmap.ISO8859_1.NewDecoder().Bytes(content)
		if derr != nil {
			return "", EncodingLatin1, true, derr
		}
		return string(decoded), EncodingLatin1, true, nil
	}
}
