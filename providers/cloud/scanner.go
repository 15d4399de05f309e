package cloud

import (
	"bufio"
	"io"
)

// newLineScanner wraps a bufio.Scanner for reading SSE lines. Factored
// out so it can be swapped for a larger-buffer scanner if OpenRouter
// ever emits lines longer than bufio's default token size.
func newLineScanner(r io.Reader) *bufio.Scanner {
	return bufio.NewScanner(r)
}
