package extraction

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfTextLayer reads the content stream of every page from `from` onward and
// passes the text it shows to fn. Pages without a text layer yield "".
func pdfTextLayer(ctx context.Context, path string, from int, fn func(page int, text string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pdf, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return fmt.Errorf("pdfcpu read: %w", err)
	}
	if from < 1 {
		from = 1
	}
	for page := from; page <= pdf.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := ""
		if r, err := pdfcpu.ExtractPageContent(pdf, page); err == nil && r != nil {
			if data, err := io.ReadAll(r); err == nil {
				text = contentText(data)
			}
		}
		if err := fn(page, text); err != nil {
			return err
		}
	}
	return nil
}

// contentText collects the strings shown by text operators in a page
// content stream. It understands literal and hex strings, TJ arrays and the
// line-moving operators; font encodings are not resolved.
func contentText(data []byte) string {
	var (
		out     strings.Builder
		pending strings.Builder
	)
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '/':
			for i+1 < len(data) && !isDelimiter(data[i+1]) {
				i++
			}
		case c == '(':
			s, n := readLiteral(data[i:])
			pending.WriteString(s)
			i += n - 1
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			i++
		case c == '<':
			s, n := readHexString(data[i:])
			pending.WriteString(s)
			i += n - 1
		case c == '\'' || c == '"':
			out.WriteByte('\n')
			out.WriteString(pending.String())
			pending.Reset()
		case isOperatorByte(c):
			j := i
			for j < len(data) && (isOperatorByte(data[j]) || data[j] == '*') {
				j++
			}
			switch string(data[i:j]) {
			case "Tj", "TJ":
				out.WriteString(pending.String())
			case "T*", "ET":
				out.WriteByte('\n')
			case "Td", "TD":
				out.WriteByte(' ')
			}
			pending.Reset()
			i = j - 1
		}
	}
	return cleanText(out.String())
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral decodes a balanced (...) string and returns it with the number
// of bytes consumed.
func readLiteral(b []byte) (string, int) {
	var sb strings.Builder
	depth := 0
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return toUTF8(sb.String()), i + 1
			}
			sb.WriteByte(c)
		case '\\':
			if i+1 >= len(b) {
				return toUTF8(sb.String()), len(b)
			}
			i++
			switch e := b[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(b) && b[i+1] >= '0' && b[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(b[i]-'0')
					}
					sb.WriteByte(byte(v))
				} else {
					sb.WriteByte(e)
				}
			}
		default:
			sb.WriteByte(c)
		}
	}
	return toUTF8(sb.String()), len(b)
}

// readHexString decodes a <...> string. UTF-16BE strings with a byte order
// mark are decoded; anything else is taken byte by byte.
func readHexString(b []byte) (string, int) {
	end := 1
	for end < len(b) && b[end] != '>' {
		end++
	}
	digits := make([]byte, 0, end)
	for _, c := range b[1:min(end, len(b))] {
		if !unicode.IsSpace(rune(c)) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, hex.DecodedLen(len(digits)))
	n, err := hex.Decode(raw, digits)
	if err != nil {
		return "", end + 1
	}
	raw = raw[:n]
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for k := 2; k+1 < len(raw); k += 2 {
			u = append(u, uint16(raw[k])<<8|uint16(raw[k+1]))
		}
		return string(utf16.Decode(u)), end + 1
	}
	return toUTF8(string(raw)), end + 1
}

// toUTF8 reads non-UTF-8 bytes as Latin-1, the usual simple font encoding.
func toUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	r := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		r[i] = rune(s[i])
	}
	return string(r)
}

// cleanText drops unprintable runes and collapses runs of blanks, keeping
// line breaks.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		var sb strings.Builder
		space := false
		for _, r := range line {
			switch {
			case unicode.IsSpace(r):
				if !space && sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				space = true
			case unicode.IsPrint(r):
				sb.WriteRune(r)
				space = false
			}
		}
		if t := strings.TrimSpace(sb.String()); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n")
}
