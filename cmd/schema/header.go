package schema

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultSeparator is used when detection finds no candidate at all.
const DefaultSeparator = ','

// separatorCandidates is the fixed set of field separators we detect.
var separatorCandidates = []rune{',', ';', '\t', '|'}

// BOMTolerantReader wraps r so a leading UTF-8/UTF-16 byte-order mark is
// stripped and the stream is decoded to plain UTF-8.
func BOMTolerantReader(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// DetectSeparator counts occurrences of each candidate separator in the
// header line and picks the most frequent one, defaulting to comma when
// every count is zero.
func DetectSeparator(headerLine string) rune {
	best := DefaultSeparator
	bestCount := 0
	for _, sep := range separatorCandidates {
		if n := strings.Count(headerLine, string(sep)); n > bestCount {
			best = sep
			bestCount = n
		}
	}
	return best
}

// ReadHeader reads only the first line of a delimited file, detects the
// field separator, and returns the cleaned column names in order.
//
// Any read failure degrades to (nil, comma, err): callers are expected to
// skip the file and keep going, not abort the run, since other files may
// still be processable.
func ReadHeader(path string, logger *slog.Logger) ([]string, rune, error) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to read headers from %s: %v", path, err))
		return nil, DefaultSeparator, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	line, err := readFirstLine(BOMTolerantReader(f))
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to read headers from %s: %v", path, err))
		return nil, DefaultSeparator, fmt.Errorf("read header line of %s: %w", path, err)
	}

	sep := DetectSeparator(line)

	var headers []string
	for _, field := range strings.Split(line, string(sep)) {
		name := strings.TrimSpace(strings.Trim(strings.TrimSpace(field), `"'`))
		if name == "" {
			continue
		}
		headers = append(headers, name)
	}

	return headers, sep, nil
}

// readFirstLine returns the first line of r without its trailing newline.
// An EOF with content still counts as a line; an empty file is an error.
func readFirstLine(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}
