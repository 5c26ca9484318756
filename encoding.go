package any2pdf

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// detectEncoding sniffs the character encoding of text content. Returns
// the IANA name and the encoding, or a nil encoding when the content is
// already UTF-8. Unlabeled content that is valid UTF-8 is reported as
// UTF-8; other unlabeled content gets the sniffer's windows-1252 guess.
func detectEncoding(content []byte) (string, encoding.Encoding) {
	enc, name, certain := charset.DetermineEncoding(content, "")
	if name == "utf-8" {
		return name, nil
	}
	// The sniffer falls back to windows-1252 for unlabeled content; when
	// the bytes are in fact valid UTF-8, treat them as such.
	if !certain && utf8.Valid(content) {
		return "utf-8", nil
	}
	return name, enc
}

// toUTF8 transcodes content to UTF-8 when the detected encoding differs.
// Content already in UTF-8 is returned unchanged.
func toUTF8(content []byte) ([]byte, error) {
	_, enc := detectEncoding(content)
	if enc == nil {
		return content, nil
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(content), enc.NewDecoder()))
	if err != nil {
		return nil, fmt.Errorf("transcoding to UTF-8: %w", err)
	}
	return out, nil
}
