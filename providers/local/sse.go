package local

import (
	"bufio"
	"io"
	"strings"
)

// sseReader extracts the payload of "data: ..." lines from an SSE
// stream, skipping blank lines and comments, matching the framing both
// vLLM and LM Studio use for their OpenAI-compatible streaming
// endpoints.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(r)}
}

func (s *sseReader) next() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
