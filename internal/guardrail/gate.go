package guardrail

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/willf/bloom"

	"threatlens/internal/metrics"
	"threatlens/internal/model"
)

// Check kinds. Every rule category and structural check maps to one of these.
const (
	KindPII              = "pii"
	KindPromptInjection  = "prompt_injection"
	KindTokenSmuggling   = "token_smuggling"
	KindEncodingAttack   = "encoding_attack"
	KindLengthBound      = "length_bound"
	KindForbiddenKeyword = "forbidden_keyword"
	KindOutputGrounding  = "output_grounding"
)

// kindFor maps the 11 rule categories onto the pattern-backed check kinds.
// Length-bound and output-grounding checks are structural and carry no rules.
func kindFor(c model.GuardrailCategory) string {
	switch c {
	case model.CategoryPII:
		return KindPII
	case model.CategoryPromptInjection, model.CategoryJailbreak,
		model.CategoryRoleManipulation, model.CategorySystemLeak:
		return KindPromptInjection
	case model.CategoryTokenSmuggling:
		return KindTokenSmuggling
	case model.CategoryEncodingAttack:
		return KindEncodingAttack
	case model.CategoryToxicity, model.CategoryDataExfiltration,
		model.CategoryMaliciousCode:
		return KindForbiddenKeyword
	case model.CategoryOutputLeak:
		return KindOutputGrounding
	default:
		return KindForbiddenKeyword
	}
}

// Direction labels for audit entries.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Verdict is the gate's aggregate outcome: the decision plus the full audit
// trail of every rule and check that fired.
type Verdict struct {
	Decision model.GuardrailDecision
	Entries  []model.GuardrailLogEntry
}

// Blocked reports whether the verdict rejects the call.
func (v Verdict) Blocked() bool { return v.Decision == model.DecisionBlock }

type compiledRule struct {
	rule model.GuardrailRule
	re   *regexp.Regexp
}

// Gate evaluates text against a compiled ruleset. Evaluation is a pure
// function of (text, ruleset); the only output besides the decision is the
// audit log the verdict carries.
type Gate struct {
	rules     []compiledRule
	prescreen *bloom.BloomFilter
	warnLen   int
	blockLen  int
}

// Option tunes gate construction.
type Option func(*Gate)

// WithLengthBounds overrides the soft (WARN) and hard (BLOCK) text length
// limits.
func WithLengthBounds(warn, block int) Option {
	return func(g *Gate) {
		g.warnLen = warn
		g.blockLen = block
	}
}

// NewGate compiles the ruleset. Rules with invalid patterns are skipped
// (reported in the returned error) rather than taking the gate down; the
// remaining catalog still applies.
func NewGate(rules []model.GuardrailRule, opts ...Option) (*Gate, error) {
	g := &Gate{
		prescreen: bloom.New(100000, 5),
		warnLen:   80000,
		blockLen:  200000,
	}
	for _, opt := range opts {
		opt(g)
	}

	var badRules []string
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			badRules = append(badRules, r.ID)
			continue
		}
		g.rules = append(g.rules, compiledRule{rule: r, re: re})
	}

	for _, examples := range catalogExamples() {
		for _, ex := range examples {
			g.prescreen.Add([]byte(strings.ToLower(ex)))
		}
	}

	if len(badRules) > 0 {
		return g, fmt.Errorf("skipped %d rules with invalid patterns: %s",
			len(badRules), strings.Join(badRules, ", "))
	}
	return g, nil
}

// RuleCount returns the number of compiled, evaluable rules.
func (g *Gate) RuleCount() int { return len(g.rules) }

// Prescreen reports whether the text exactly matches a cataloged attack
// example. A hit means a verbatim catalog replay; a miss says nothing about
// novel rule matches, so the full scan always runs either way.
func (g *Gate) Prescreen(text string) bool {
	return g.prescreen.Test([]byte(strings.ToLower(text)))
}

// CheckInbound scans a prompt before it is sent to the reasoning provider.
func (g *Gate) CheckInbound(text string) Verdict {
	return g.evaluate(text, DirectionInbound)
}

// CheckOutbound scans a raw provider response before it is accepted.
func (g *Gate) CheckOutbound(text string) Verdict {
	return g.evaluate(text, DirectionOutbound)
}

// evaluate runs every enabled rule plus the structural checks. All checks
// run so the audit log is complete; the first BLOCK fixes the decision.
func (g *Gate) evaluate(text, direction string) Verdict {
	now := time.Now().UTC()
	v := Verdict{Decision: model.DecisionAllow}

	if g.Prescreen(text) {
		metrics.GuardrailPrescreenHits.Inc()
	}

	record := func(e model.GuardrailLogEntry) {
		e.Timestamp = now
		e.Direction = direction
		v.Entries = append(v.Entries, e)
		if e.Decision == model.DecisionBlock && v.Decision != model.DecisionBlock {
			v.Decision = model.DecisionBlock
		}
		if e.Decision == model.DecisionWarn && v.Decision == model.DecisionAllow {
			v.Decision = model.DecisionWarn
		}
	}

	// length bounds
	switch {
	case len(text) > g.blockLen:
		record(model.GuardrailLogEntry{
			CheckKind: KindLengthBound,
			Decision:  model.DecisionBlock,
			Detail:    fmt.Sprintf("length %d exceeds hard limit %d", len(text), g.blockLen),
		})
	case len(text) > g.warnLen:
		record(model.GuardrailLogEntry{
			CheckKind: KindLengthBound,
			Decision:  model.DecisionWarn,
			Detail:    fmt.Sprintf("length %d exceeds soft limit %d", len(text), g.warnLen),
		})
	}

	// structural smuggling scan catches what individual rules may miss
	if detail, found := scanSmuggling(text); found {
		record(model.GuardrailLogEntry{
			CheckKind: KindTokenSmuggling,
			Decision:  model.DecisionBlock,
			Detail:    detail,
		})
	}

	for _, cr := range g.rules {
		if !cr.rule.Enabled {
			continue
		}
		loc := cr.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		record(model.GuardrailLogEntry{
			RuleID:    cr.rule.ID,
			Category:  cr.rule.Category,
			CheckKind: kindFor(cr.rule.Category),
			Decision:  model.DecisionBlock,
			Detail:    fmt.Sprintf("rule %s matched at offset %d", cr.rule.Name, loc[0]),
		})
	}

	metrics.GuardrailDecisions.WithLabelValues(direction, string(v.Decision)).Inc()
	return v
}

// CheckGrounding validates reasoning output against the source text: every
// candidate value must be a literal substring of the source or a known
// taxonomy ID. Fabricated values yield BLOCK entries.
func (g *Gate) CheckGrounding(candidates []string, sourceText string, knownID func(string) bool) Verdict {
	now := time.Now().UTC()
	v := Verdict{Decision: model.DecisionAllow}
	lower := strings.ToLower(sourceText)

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(c)) {
			continue
		}
		if knownID != nil && knownID(c) {
			continue
		}
		v.Decision = model.DecisionBlock
		v.Entries = append(v.Entries, model.GuardrailLogEntry{
			Timestamp: now,
			CheckKind: KindOutputGrounding,
			Decision:  model.DecisionBlock,
			Detail:    fmt.Sprintf("value %q not present in source text", c),
			Direction: DirectionOutbound,
		})
	}
	metrics.GuardrailDecisions.WithLabelValues(DirectionOutbound, string(v.Decision)).Inc()
	return v
}

// scanSmuggling walks the runes once looking for invisible or direction
// control characters and Latin/Cyrillic homoglyph mixing inside one word.
func scanSmuggling(text string) (string, bool) {
	var sawLatin, sawCyrillic bool
	for _, r := range text {
		switch {
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\u2060' || r == '\uFEFF':
			return fmt.Sprintf("zero-width character U+%04X", r), true
		case r >= '\u202A' && r <= '\u202E', r >= '\u2066' && r <= '\u2069':
			return fmt.Sprintf("bidi control character U+%04X", r), true
		case r >= 0xE0000 && r <= 0xE007F:
			return fmt.Sprintf("unicode tag character U+%04X", r), true
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			sawLatin = true
			if sawCyrillic {
				return "mixed latin/cyrillic script", true
			}
		case r >= '\u0400' && r <= '\u04FF':
			sawCyrillic = true
			if sawLatin {
				return "mixed latin/cyrillic script", true
			}
		case r == ' ' || r == '\n' || r == '\t':
			sawLatin, sawCyrillic = false, false
		}
	}
	return "", false
}
