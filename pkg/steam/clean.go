package steam

import (
	"regexp"
	"strings"
)

var (
	lineBreaks = strings.NewReplacer(
		"\n\r", " ",
		"\r\n", " ",
		"\r \n", " ",
		"\r", " ",
		"\n", " ",
		"\t", " ",
		"&quot;", "'",
	)
	linkPattern   = regexp.MustCompile(`(https|http)?://(\w|\.|/|\?|=|&|%)*\b`)
	tagPattern    = regexp.MustCompile(`<[^<]+?>`)
	spacesPattern = regexp.MustCompile(` +`)
)

// CleanText flattens store HTML to a single line: line breaks and tabs
// become spaces, links and markup are removed, runs of spaces collapse and
// leading spaces are trimmed.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = lineBreaks.Replace(text)
	text = linkPattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllString(text, " ")
	text = spacesPattern.ReplaceAllString(text, " ")
	return strings.TrimLeft(text, " ")
}

// CleanPrice normalizes a formatted store price ("19,99€", "5,--€") to a
// dot decimal separator with zero cents.
func CleanPrice(price string) string {
	if price == "" {
		return ""
	}
	price = strings.ReplaceAll(price, ",", ".")
	return strings.ReplaceAll(price, "-", "0")
}
