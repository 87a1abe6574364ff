package policy

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// confusableFold maps characters that render like ASCII letters or digits to
// the ASCII character they imitate. Covers the Cyrillic, Greek and Latin
// extended glyphs seen in wallet phishing domains.
var confusableFold = map[rune]rune{
	'а': 'a', 'в': 'b', 'с': 'c', 'ԁ': 'd', 'е': 'e', 'һ': 'h', 'і': 'i', 'ј': 'j',
	'к': 'k', 'ӏ': 'l', 'м': 'm', 'п': 'n', 'о': 'o', 'р': 'p', 'ԛ': 'q', 'г': 'r',
	'ѕ': 's', 'т': 't', 'ц': 'u', 'ѵ': 'v', 'ԝ': 'w', 'х': 'x', 'у': 'y', 'ʐ': 'z',
	'А': 'a', 'В': 'b', 'С': 'c', 'Е': 'e', 'Н': 'h', 'І': 'i', 'Ј': 'j', 'К': 'k',
	'М': 'm', 'О': 'o', 'Р': 'p', 'Ѕ': 's', 'Т': 't', 'Х': 'x', 'У': 'y',
	'α': 'a', 'β': 'b', 'ε': 'e', 'ι': 'i', 'κ': 'k', 'ν': 'v', 'ο': 'o', 'ρ': 'p',
	'τ': 't', 'υ': 'u', 'χ': 'x', 'Α': 'a', 'Β': 'b', 'Ε': 'e', 'Ζ': 'z', 'Η': 'h',
	'Ι': 'i', 'Κ': 'k', 'Μ': 'm', 'Ν': 'n', 'Ο': 'o', 'Ρ': 'p', 'Τ': 't', 'Χ': 'x', 'Υ': 'y',
	'ı': 'i', 'ɑ': 'a', 'ɡ': 'g', 'ǀ': 'l', 'ⅼ': 'l', 'ℓ': 'l', '０': '0', '１': 'l',
	'0': 'o', '1': 'l',
}

// skeleton reduces a hostname to a form where visually confusable spellings
// collapse to the same string. Punycode labels are decoded first.
func skeleton(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if decoded, err := idna.ToUnicode(host); err == nil {
		host = decoded
	}
	host = norm.NFKC.String(host)
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range strings.ToLower(host) {
		if folded, ok := confusableFold[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return strings.ReplaceAll(b.String(), "rn", "m")
}

// confusableWith reports whether host imitates known without being known or
// one of its subdomains.
func confusableWith(host, known string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	known = strings.ToLower(strings.TrimSuffix(known, "."))
	if host == "" || known == "" {
		return false
	}
	if host == known || strings.HasSuffix(host, "."+known) {
		return false
	}
	hostSkel := skeleton(host)
	knownSkel := skeleton(known)
	return hostSkel == knownSkel || strings.HasSuffix(hostSkel, "."+knownSkel)
}
