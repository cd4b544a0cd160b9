package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"threatlens/internal/model"
)

// PatternConfidence is the fixed confidence assigned to syntactic matches.
const PatternConfidence = 90

const contextRadius = 40

// PatternExtractor runs the fixed ordered matcher set over a normalized
// document. It never errors on malformed text; unmatched text is ignored.
type PatternExtractor struct {
	matchers      []matcher
	actorPatterns []*regexp.Regexp
	maxPerType    int
}

// NewPatternExtractor builds an extractor with the default matcher set.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{
		matchers: orderedMatchers(),
		actorPatterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(APT[-\s]?\d+|FIN\d+|TA\d+|UNC\d+)\b`),
			regexp.MustCompile(`(?i)\b(Lazarus Group|Lazarus|Fancy Bear|Cozy Bear|Sandworm|Midnight Blizzard|Equation Group|Carbanak|Turla|Kimsuky|MuddyWater|Scattered Spider|Wizard Spider|Volt Typhoon|Salt Typhoon)\b`),
			regexp.MustCompile(`(?i)threat\s+actor[s]?:?\s+([A-Z][A-Za-z0-9-]{2,29})`),
		},
		maxPerType: 200,
	}
}

// Extract returns pattern-stage indicators for the document, deduplicated
// and with the document's own domain (and its subdomains) filtered out.
func (pe *PatternExtractor) Extract(doc *model.NormalizedDocument) []model.ExtractedIndicator {
	text := Refang(doc.Text)

	var out []model.ExtractedIndicator
	seen := make(map[string]bool)

	for _, m := range pe.matchers {
		matches := m.re.FindAllStringIndex(text, pe.maxPerType)
		for _, loc := range matches {
			value := normalizeValue(m.typ, text[loc[0]:loc[1]])
			if value == "" || !m.validate(value) {
				continue
			}
			if IsSelfReference(m.typ, value, doc.SourceDomain) {
				continue
			}
			key := string(m.typ) + "|" + strings.ToLower(value)
			if seen[key] {
				continue
			}
			seen[key] = true

			out = append(out, model.ExtractedIndicator{
				ID:           uuid.NewString(),
				DocumentID:   doc.ID,
				Type:         m.typ,
				Value:        value,
				Confidence:   PatternConfidence,
				EvidenceSpan: contextAround(text, loc[0], loc[1]),
				ExtractedBy:  model.ExtractedByPattern,
			})
		}
	}

	return out
}

// ActorNames returns raw threat-actor names observed in the document text.
func (pe *PatternExtractor) ActorNames(doc *model.NormalizedDocument) []string {
	var names []string
	seen := make(map[string]bool)
	for _, re := range pe.actorPatterns {
		for _, m := range re.FindAllStringSubmatch(doc.Text, 20) {
			if len(m) < 2 {
				continue
			}
			name := strings.TrimSpace(m[1])
			key := strings.ToLower(name)
			if name == "" || seen[key] {
				continue
			}
			seen[key] = true
			names = append(names, name)
		}
	}
	return names
}

// Refang reverses the defusing conventions CTI reports use so obfuscated
// indicators still match.
func Refang(text string) string {
	r := strings.NewReplacer(
		"hxxp://", "http://",
		"hxxps://", "https://",
		"[.]", ".",
		"(.)", ".",
		"[:]", ":",
		"[@]", "@",
	)
	return r.Replace(text)
}

// IsSelfReference reports whether the value points back at the publishing
// site itself. Applies to domains, URLs and emails.
func IsSelfReference(typ model.IndicatorType, value, sourceDomain string) bool {
	if sourceDomain == "" {
		return false
	}
	src := strings.ToLower(sourceDomain)
	v := strings.ToLower(value)

	switch typ {
	case model.IndicatorDomain:
		return v == src || strings.HasSuffix(v, "."+src) || strings.HasSuffix(src, "."+v)
	case model.IndicatorURL:
		host := hostOf(v)
		return host == src || strings.HasSuffix(host, "."+src)
	case model.IndicatorEmail:
		at := strings.LastIndex(v, "@")
		if at < 0 {
			return false
		}
		dom := v[at+1:]
		return dom == src || strings.HasSuffix(dom, "."+src)
	default:
		return false
	}
}

func hostOf(rawurl string) string {
	rest := rawurl
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	for _, sep := range []string{"/", "?", "#", ":"} {
		if i := strings.Index(rest, sep); i >= 0 {
			rest = rest[:i]
		}
	}
	return rest
}

func normalizeValue(typ model.IndicatorType, v string) string {
	v = strings.Trim(v, `"'<>(),;.`)
	switch typ {
	case model.IndicatorDomain, model.IndicatorEmail:
		return strings.ToLower(v)
	case model.IndicatorMD5, model.IndicatorSHA1, model.IndicatorSHA256:
		return strings.ToLower(v)
	case model.IndicatorCVE:
		return strings.ToUpper(v)
	default:
		return v
	}
}

// contextAround returns the evidence snippet surrounding a match. Window
// edges are snapped back to rune starts so the snippet stays valid UTF-8.
func contextAround(text string, start, end int) string {
	cs := start - contextRadius
	if cs < 0 {
		cs = 0
	}
	ce := end + contextRadius
	if ce > len(text) {
		ce = len(text)
	}
	for cs > 0 && !utf8.RuneStart(text[cs]) {
		cs--
	}
	for ce < len(text) && !utf8.RuneStart(text[ce]) {
		ce--
	}
	snippet := strings.TrimSpace(text[cs:ce])
	if cs > 0 {
		snippet = "..." + snippet
	}
	if ce < len(text) {
		snippet = snippet + "..."
	}
	return snippet
}
