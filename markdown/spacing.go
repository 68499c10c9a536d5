// Package markdown inserts spacing between CJK and half-width runs, both on
// plain strings and on parsed goldmark documents.
package markdown

import (
	"regexp"
	"strings"
)

const cjk = `\x{2e80}-\x{2eff}\x{2f00}-\x{2fdf}\x{3040}-\x{309f}\x{30a0}-\x{30fa}\x{30fc}-\x{30ff}\x{3100}-\x{312f}\x{3200}-\x{32ff}\x{3400}-\x{4dbf}\x{4e00}-\x{9fff}\x{f900}-\x{faff}`

// half-width letters, digits and symbols that get separated from CJK
const (
	ansAfterCJK  = `A-Za-z\x{0370}-\x{03ff}0-9@\$%\^&\*\-\+\\=\|/\x{00a1}-\x{00ff}\x{2150}-\x{218f}\x{2700}-\x{27bf}`
	ansBeforeCJK = `A-Za-z\x{0370}-\x{03ff}0-9~\$%\^&\*\-\+\\=\|/!;:,\.\?\x{00a1}-\x{00ff}\x{2150}-\x{218f}\x{2700}-\x{27bf}`
)

var (
	anyCJK = regexp.MustCompile(`[` + cjk + `]`)

	cjkSymbolsCJK = regexp.MustCompile(`([` + cjk + `])[ ]*(:+|\.)[ ]*([` + cjk + `])`)
	cjkSymbols    = regexp.MustCompile(`([` + cjk + `])[ ]*([~!;,\?]+)[ ]*`)
	dotsCJK       = regexp.MustCompile(`([\.]{2,}|\x{2026})([` + cjk + `])`)
	cjkColonANS   = regexp.MustCompile(`([` + cjk + `]):([A-Z0-9\(\)])`)

	cjkQuote      = regexp.MustCompile("([" + cjk + "])([`\"״])")
	quoteCJK      = regexp.MustCompile("([`\"״])([" + cjk + "])")
	quoteAnyQuote = regexp.MustCompile("([`\"״]+)[ ]*(.+?)[ ]*([`\"״]+)")

	cjkSingleQuote     = regexp.MustCompile(`([` + cjk + `])('[^s])`)
	singleQuoteCJK     = regexp.MustCompile(`(')([` + cjk + `])`)
	possessiveQuote    = regexp.MustCompile(`([A-Za-z0-9` + cjk + `])( )('s)`)
	hashANSCJKHash     = regexp.MustCompile(`([` + cjk + `])(#)([` + cjk + `]+)(#)([` + cjk + `])`)
	cjkHash            = regexp.MustCompile(`([` + cjk + `])(#([^ ]))`)
	hashCJK            = regexp.MustCompile(`(([^ ])#)([` + cjk + `])`)
	cjkOperatorANS     = regexp.MustCompile(`([` + cjk + `])([\+\-\*/=&\|<>])([A-Za-z0-9])`)
	ansOperatorCJK     = regexp.MustCompile(`([A-Za-z0-9])([\+\-\*/=&\|<>])([` + cjk + `])`)
	slashAS            = regexp.MustCompile(`([/]) ([a-z\-_\./]+)`)
	slashASSlash       = regexp.MustCompile(`([/\.])([A-Za-z\-_\./]+) ([/])`)
	cjkLeftBracket     = regexp.MustCompile(`([` + cjk + `])([\(\[\{<>\x{201c}])`)
	rightBracketCJK    = regexp.MustCompile(`([\)\]\}<>\x{201d}])([` + cjk + `])`)
	bracketAnyBracket  = regexp.MustCompile(`([\(\[\{<\x{201c}]+)[ ]*(.+?)[ ]*([\)\]\}>\x{201d}]+)`)
	ansCJKQuotedPhrase = regexp.MustCompile(`([A-Za-z0-9` + cjk + `])[ ]*([\x{201c}])([A-Za-z0-9` + cjk + `\-_ ]+)([\x{201d}])`)
	quotedPhraseANSCJK = regexp.MustCompile(`([\x{201c}])([A-Za-z0-9` + cjk + `\-_ ]+)([\x{201d}])[ ]*([A-Za-z0-9` + cjk + `])`)
	anLeftBracket      = regexp.MustCompile(`([A-Za-z0-9])([\(\[\{])`)
	rightBracketAN     = regexp.MustCompile(`([\)\]\}])([A-Za-z0-9])`)

	cjkANS      = regexp.MustCompile(`([` + cjk + `])([` + ansAfterCJK + `])`)
	ansCJK      = regexp.MustCompile(`([` + ansBeforeCJK + `])([` + cjk + `])`)
	percentWord = regexp.MustCompile(`(%)([A-Za-z])`)
	middleDot   = regexp.MustCompile(`([ ]*)([\x{00b7}\x{2022}\x{2027}])([ ]*)`)
)

var fullwidth = strings.NewReplacer(
	"~", "～",
	"!", "！",
	";", "；",
	":", "：",
	",", "，",
	".", "。",
	"?", "？",
)

// Text returns s with spaces inserted between CJK characters and half-width
// letters, digits and symbols. Strings without CJK are returned unchanged.
// Applying Text to its own output is a no-op for ordinary prose.
func Text(s string) string {
	if len(s) <= 1 || !anyCJK.MatchString(s) {
		return s
	}

	s = replaceGroups(cjkSymbolsCJK, s, func(g []string) string {
		return g[1] + fullwidth.Replace(g[2]) + g[3]
	})
	s = replaceGroups(cjkSymbols, s, func(g []string) string {
		return g[1] + fullwidth.Replace(g[2])
	})
	s = dotsCJK.ReplaceAllString(s, "${1} ${2}")
	s = cjkColonANS.ReplaceAllString(s, "${1}：${2}")

	s = cjkQuote.ReplaceAllString(s, "${1} ${2}")
	s = quoteCJK.ReplaceAllString(s, "${1} ${2}")
	s = quoteAnyQuote.ReplaceAllString(s, "${1}${2}${3}")

	s = cjkSingleQuote.ReplaceAllString(s, "${1} ${2}")
	s = singleQuoteCJK.ReplaceAllString(s, "${1} ${2}")
	s = possessiveQuote.ReplaceAllString(s, "${1}'s")

	s = hashANSCJKHash.ReplaceAllString(s, "${1} ${2}${3}${4} ${5}")
	s = cjkHash.ReplaceAllString(s, "${1} ${2}")
	s = hashCJK.ReplaceAllString(s, "${1} ${3}")

	s = cjkOperatorANS.ReplaceAllString(s, "${1} ${2} ${3}")
	s = ansOperatorCJK.ReplaceAllString(s, "${1} ${2} ${3}")

	s = slashAS.ReplaceAllString(s, "${1}${2}")
	s = slashASSlash.ReplaceAllString(s, "${1}${2}${3}")

	s = cjkLeftBracket.ReplaceAllString(s, "${1} ${2}")
	s = rightBracketCJK.ReplaceAllString(s, "${1} ${2}")
	s = replaceFirst(bracketAnyBracket, s, "${1}${2}${3}")
	s = ansCJKQuotedPhrase.ReplaceAllString(s, "${1} ${2}${3}${4}")
	s = quotedPhraseANSCJK.ReplaceAllString(s, "${1}${2}${3} ${4}")

	s = anLeftBracket.ReplaceAllString(s, "${1} ${2}")
	s = rightBracketAN.ReplaceAllString(s, "${1} ${2}")

	s = cjkANS.ReplaceAllString(s, "${1} ${2}")
	s = ansCJK.ReplaceAllString(s, "${1} ${2}")

	s = percentWord.ReplaceAllString(s, "${1} ${2}")
	s = middleDot.ReplaceAllString(s, "・")
	return s
}

// replaceGroups is ReplaceAllStringFunc with access to the capture groups.
func replaceGroups(re *regexp.Regexp, s string, fn func(groups []string) string) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = s[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(fn(groups))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func replaceFirst(re *regexp.Regexp, s, template string) string {
	m := re.FindStringSubmatchIndex(s)
	if m == nil {
		return s
	}
	dst := re.ExpandString(nil, template, s, m)
	return s[:m[0]] + string(dst) + s[m[1]:]
}
