package kermit

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Attribute field type characters, a small subset of the classic Kermit
// Attributes packet: file length and creation date/time.
const (
	attrFileLength = '1'
	attrFileDate   = '4'
)

// FileAttributes is the decoded form of an Attributes ('A') packet: the
// file's size and modification time, when the sender offered them.
type FileAttributes struct {
	Size    int64
	ModTime time.Time
}

// encodeAttributes renders fields as a sequence of
// tochar(len(type)+len(value)), type, value triples, the layout a File
// packet's paired Attributes packet carries.
func encodeAttributes(attrs FileAttributes) []byte {
	var out []byte
	if attrs.Size > 0 {
		v := strconv.FormatInt(attrs.Size, 10)
		out = append(out, tochar(byte(1+len(v))), attrFileLength)
		out = append(out, v...)
	}
	if !attrs.ModTime.IsZero() {
		v := attrs.ModTime.UTC().Format("20060102 150405")
		out = append(out, tochar(byte(1+len(v))), attrFileDate)
		out = append(out, v...)
	}
	return out
}

// parseAttributes reverses encodeAttributes, skipping any field type it
// doesn't recognize rather than failing the whole packet.
func parseAttributes(data []byte) FileAttributes {
	var attrs FileAttributes
	i := 0
	for i+1 < len(data) {
		fieldLen := int(unchar(data[i]))
		if fieldLen < 1 || i+1+fieldLen > len(data) {
			break
		}
		typ := data[i+1]
		value := data[i+2 : i+1+fieldLen]
		switch typ {
		case attrFileLength:
			if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
				attrs.Size = n
			}
		case attrFileDate:
			if t, err := time.Parse("20060102 150405", string(value)); err == nil {
				attrs.ModTime = t
			}
		}
		i += 1 + fieldLen
	}
	return attrs
}

// robustFilename converts name into the restricted form Kermit
// implementations use when the remote may not tolerate an arbitrary local
// filename: uppercase alphanumerics with a single '.', no leading/trailing
// dot.
func robustFilename(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = sanitizeComponent(stem)
	ext = strings.TrimPrefix(ext, ".")

	if ext == "" {
		return stem
	}
	return fmt.Sprintf("%s.%s", stem, sanitizeComponent(ext))
}

func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "X"
	}
	return out
}
