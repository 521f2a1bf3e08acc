// Package textutil holds the line/byte bounded truncation, fuzzy matching
// and diff helpers shared by the agent tools.
package textutil

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxLines   = 2000
	DefaultMaxBytes   = 50 * 1024
	GrepMaxLineLength = 500
)

// TruncatedBy names the cap that was hit.
type TruncatedBy string

const (
	ByNone  TruncatedBy = ""
	ByLines TruncatedBy = "lines"
	ByBytes TruncatedBy = "bytes"
)

// Options caps output size. Zero values mean the defaults.
type Options struct {
	MaxLines int
	MaxBytes int
}

func (o Options) limits() (int, int) {
	lines, bytes := o.MaxLines, o.MaxBytes
	if lines <= 0 {
		lines = DefaultMaxLines
	}
	if bytes <= 0 {
		bytes = DefaultMaxBytes
	}
	return lines, bytes
}

// Result describes what a truncation kept.
type Result struct {
	Content               string
	Truncated             bool
	TruncatedBy           TruncatedBy
	TotalLines            int
	TotalBytes            int
	OutputLines           int
	OutputBytes           int
	LastLinePartial       bool
	FirstLineExceedsLimit bool
	MaxLines              int
	MaxBytes              int
}

// TruncateHead keeps the beginning of content. It never returns a partial
// line: when the first line alone exceeds the byte cap the result is empty
// and FirstLineExceedsLimit is set.
func TruncateHead(content string, opts Options) Result {
	maxLines, maxBytes := opts.limits()
	lines := strings.Split(content, "\n")
	res := Result{
		TotalLines: len(lines),
		TotalBytes: len(content),
		MaxLines:   maxLines,
		MaxBytes:   maxBytes,
	}
	if len(lines) <= maxLines && len(content) <= maxBytes {
		res.Content = content
		res.OutputLines = len(lines)
		res.OutputBytes = len(content)
		return res
	}

	res.Truncated = true
	if len(lines[0]) > maxBytes {
		res.TruncatedBy = ByBytes
		res.FirstLineExceedsLimit = true
		return res
	}

	res.TruncatedBy = ByLines
	n, size := 0, 0
	for n < len(lines) && n < maxLines {
		lineBytes := len(lines[n])
		if n > 0 {
			lineBytes++
		}
		if size+lineBytes > maxBytes {
			res.TruncatedBy = ByBytes
			break
		}
		size += lineBytes
		n++
	}
	res.Content = strings.Join(lines[:n], "\n")
	res.OutputLines = n
	res.OutputBytes = len(res.Content)
	return res
}

// TruncateTail keeps the end of content. When even the final line exceeds
// the byte cap, its tail is returned and LastLinePartial is set.
func TruncateTail(content string, opts Options) Result {
	maxLines, maxBytes := opts.limits()
	lines := strings.Split(content, "\n")
	res := Result{
		TotalLines: len(lines),
		TotalBytes: len(content),
		MaxLines:   maxLines,
		MaxBytes:   maxBytes,
	}
	if len(lines) <= maxLines && len(content) <= maxBytes {
		res.Content = content
		res.OutputLines = len(lines)
		res.OutputBytes = len(content)
		return res
	}

	res.Truncated = true
	res.TruncatedBy = ByLines
	start, size := len(lines), 0
	for start > 0 && len(lines)-start < maxLines {
		lineBytes := len(lines[start-1])
		if start < len(lines) {
			lineBytes++
		}
		if size+lineBytes > maxBytes {
			res.TruncatedBy = ByBytes
			if start == len(lines) {
				res.Content = TruncateStringToBytesFromEnd(lines[start-1], maxBytes)
				res.OutputLines = 1
				res.OutputBytes = len(res.Content)
				res.LastLinePartial = true
				return res
			}
			break
		}
		size += lineBytes
		start--
	}
	res.Content = strings.Join(lines[start:], "\n")
	res.OutputLines = len(lines) - start
	res.OutputBytes = len(res.Content)
	return res
}

// TruncateStringToBytesFromEnd returns at most maxBytes from the end of s
// without splitting a UTF-8 code point.
func TruncateStringToBytesFromEnd(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// TruncateLine shortens a single line to maxChars runes.
func TruncateLine(line string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		maxChars = GrepMaxLineLength
	}
	if utf8.RuneCountInString(line) <= maxChars {
		return line, false
	}
	r := []rune(line)
	return string(r[:maxChars]) + "... [truncated]", true
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}
