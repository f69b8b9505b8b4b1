// Package frontmatter splits and joins documents that start with a YAML
// block fenced by `---` lines.
package frontmatter

import (
	"bytes"
	"errors"
)

var (
	// ErrMissing indicates the document did not start with a YAML fence.
	ErrMissing = errors.New("frontmatter: missing")
	// ErrMalformed indicates the closing fence could not be found.
	ErrMalformed = errors.New("frontmatter: malformed")
)

const fence = "---\n"

// Split returns the raw YAML block and the body that follows it.
// CRLF line endings are normalized first.
func Split(content []byte) (meta []byte, body []byte, err error) {
	if len(content) == 0 {
		return nil, nil, ErrMissing
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte(fence)) {
		return nil, nil, ErrMissing
	}
	rest := normalized[len(fence):]
	if bytes.HasPrefix(rest, []byte(fence)) {
		return nil, trimLead(rest[len(fence):]), nil
	}
	parts := bytes.SplitN(rest, []byte("\n"+fence), 2)
	if len(parts) < 2 {
		// tolerate a closing fence at EOF without trailing newline
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-len("\n---")], nil, nil
		}
		return nil, nil, ErrMalformed
	}
	return parts[0], trimLead(parts[1]), nil
}

// Join renders meta + body with YAML fences and one blank line before the body.
func Join(meta []byte, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(meta) + len(body) + 10)
	buf.WriteString(fence)
	buf.Write(bytes.TrimRight(meta, "\n"))
	buf.WriteString("\n" + fence + "\n")
	buf.Write(body)
	return buf.Bytes()
}

func trimLead(body []byte) []byte {
	return bytes.TrimPrefix(body, []byte("\n"))
}
