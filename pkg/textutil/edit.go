package textutil

import "strings"

const bom = "\ufeff"

// DetectLineEnding reports "\r\n" when the first line break is CRLF,
// otherwise "\n".
func DetectLineEnding(content string) string {
	crlf := strings.Index(content, "\r\n")
	lf := strings.Index(content, "\n")
	if crlf == -1 || lf == -1 {
		return "\n"
	}
	if crlf < lf {
		return "\r\n"
	}
	return "\n"
}

// NormalizeToLF converts CRLF and lone CR to LF.
func NormalizeToLF(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// RestoreLineEndings converts LF back to the given ending.
func RestoreLineEndings(text, ending string) string {
	if ending == "\r\n" {
		return strings.ReplaceAll(text, "\n", "\r\n")
	}
	return text
}

// StripBOM splits a leading byte-order mark from content.
func StripBOM(content string) (bomPrefix, text string) {
	if strings.HasPrefix(content, bom) {
		return bom, content[len(bom):]
	}
	return "", content
}

var fuzzyReplacer = strings.NewReplacer(
	"\u2018", "'", "\u2019", "'", "\u201a", "'", "\u201b", "'",
	"\u201c", `"`, "\u201d", `"`, "\u201e", `"`, "\u201f", `"`,
	"\u2010", "-", "\u2011", "-", "\u2012", "-", "\u2013", "-", "\u2014", "-", "\u2015", "-", "\u2212", "-",
	"\u00a0", " ", "\u2002", " ", "\u2003", " ", "\u2004", " ", "\u2005", " ", "\u2006", " ",
	"\u2007", " ", "\u2008", " ", "\u2009", " ", "\u200a", " ", "\u202f", " ", "\u205f", " ", "\u3000", " ",
)

// NormalizeForFuzzyMatch trims trailing whitespace on every line and
// folds typographic quotes, dashes and special spaces to ASCII.
func NormalizeForFuzzyMatch(text string) string {
	lines := strings.Split(fuzzyReplacer.Replace(text), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// CountOccurrences counts non-overlapping matches of oldText under
// NormalizeForFuzzyMatch, so near-duplicates that differ only in trailing
// whitespace or typography count as separate matches.
func CountOccurrences(content, oldText string) int {
	normOld := NormalizeForFuzzyMatch(oldText)
	if normOld == "" {
		return 0
	}
	return strings.Count(NormalizeForFuzzyMatch(content), normOld)
}
