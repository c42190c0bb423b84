// Package ymodem extends xmodem with a "block 0" that carries filename and
// metadata, enabling a batch of files to move through one handshake/EOT
// cycle per file.
package ymodem

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// block0Info is what a block 0 payload encodes, grounded on the teacher's
// marshalFileInfo/parseFileInfo pair (fileinfo.go), generalized from
// Zmodem's ZFILE subpacket to Ymodem's NUL-delimited block 0 layout.
type block0Info struct {
	Name           string
	Size           int64
	ModTime        time.Time
	Mode           uint32
	FilesRemaining int
	BytesRemaining int64
}

// marshalBlock0 encodes name/metadata into a block0Info payload, NUL
// terminated, left for the caller to zero-pad to the chosen block size.
// Format: <filename>\0<size> <modtime> <mode> <serial> <files_remaining>
// <bytes_remaining>\0
func marshalBlock0(info block0Info) []byte {
	if info.Name == "" {
		// End-of-batch marker: an empty filename and nothing else.
		return []byte{0}
	}

	var meta strings.Builder
	meta.WriteString(strconv.FormatInt(info.Size, 10))

	if !info.ModTime.IsZero() {
		fmt.Fprintf(&meta, " %o", info.ModTime.Unix())
	} else {
		meta.WriteString(" 0")
	}

	fmt.Fprintf(&meta, " %o", info.Mode)
	meta.WriteString(" 0") // serial number, always 0

	if info.FilesRemaining > 0 {
		fmt.Fprintf(&meta, " %d", info.FilesRemaining)
		if info.BytesRemaining > 0 {
			fmt.Fprintf(&meta, " %d", info.BytesRemaining)
		}
	}

	out := make([]byte, 0, len(info.Name)+1+meta.Len()+1)
	out = append(out, []byte(info.Name)...)
	out = append(out, 0)
	out = append(out, []byte(meta.String())...)
	out = append(out, 0)
	return out
}

// parseBlock0 decodes a block 0 payload. An empty Name with no error means
// end-of-batch.
func parseBlock0(data []byte) (block0Info, error) {
	var info block0Info

	nullIdx := -1
	for i, b := range data {
		if b == 0 {
			nullIdx = i
			break
		}
	}
	if nullIdx < 0 {
		return info, fmt.Errorf("ymodem: block 0 missing filename terminator")
	}
	info.Name = string(data[:nullIdx])
	if info.Name == "" {
		return info, nil
	}

	rest := data[nullIdx+1:]
	for len(rest) > 0 && rest[len(rest)-1] == 0 {
		rest = rest[:len(rest)-1]
	}
	if len(rest) == 0 {
		return info, nil
	}

	fields := strings.Fields(string(rest))
	if len(fields) > 0 {
		if size, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			info.Size = size
		}
	}
	if len(fields) > 1 {
		if mtime, err := strconv.ParseInt(fields[1], 8, 64); err == nil && mtime > 0 {
			info.ModTime = time.Unix(mtime, 0)
		}
	}
	if len(fields) > 2 {
		if mode, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			info.Mode = uint32(mode)
		}
	}
	// fields[3] is the serial number, always 0, ignored.
	if len(fields) > 4 {
		if fr, err := strconv.Atoi(fields[4]); err == nil {
			info.FilesRemaining = fr
		}
	}
	if len(fields) > 5 {
		if br, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			info.BytesRemaining = br
		}
	}
	return info, nil
}

// sanitizeFilename strips directory components from an incoming remote
// name before it is used as a local path. Callers must still apply their
// own filesystem policy (e.g. refusing absolute paths, collisions); this
// only defends against the most common "../" traversal idiom.
func sanitizeFilename(name string) string {
	return filepath.Base(name)
}
