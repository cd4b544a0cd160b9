package taxonomy

import (
	"regexp"
	"strings"
	"sync"

	"threatlens/internal/model"
)

// Technique is one canonical taxonomy entry. A technique valid under several
// tactics is stored once; tactic-indexed views duplicate it per tactic.
type Technique struct {
	ID        string
	Name      string
	Tactics   []string
	Framework model.Framework
}

// Resolver maps free-text technique mentions and raw IDs to canonical
// ATT&CK/ATLAS techniques. ATT&CK and ATLAS namespaces are disjoint and
// resolved independently; a mention is never cross-assigned.
type Resolver struct {
	mu      sync.RWMutex
	attack  map[string]Technique // lower(id) and lower(name) -> technique
	atlas   map[string]Technique
	attackN map[string]Technique // canonical by ID only
	atlasN  map[string]Technique

	attackIDRe *regexp.Regexp
	atlasIDRe  *regexp.Regexp
}

// NewResolver builds a resolver over the given technique set. Use
// LoadAttackBundle plus BuiltinAtlas (or the builtin fallbacks) to obtain
// techniques.
func NewResolver(techniques []Technique) *Resolver {
	r := &Resolver{
		attack:     make(map[string]Technique),
		atlas:      make(map[string]Technique),
		attackN:    make(map[string]Technique),
		atlasN:     make(map[string]Technique),
		attackIDRe: regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`),
		atlasIDRe:  regexp.MustCompile(`\bAML\.T\d{4}(?:\.\d{3})?\b`),
	}
	r.Add(techniques...)
	return r
}

// Add registers techniques; later additions can re-resolve previously
// unresolved mentions when the dictionary is updated.
func (r *Resolver) Add(techniques ...Technique) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range techniques {
		byKey, byID := r.attack, r.attackN
		if t.Framework == model.FrameworkAtlas {
			byKey, byID = r.atlas, r.atlasN
		}
		byID[strings.ToUpper(t.ID)] = t
		byKey[strings.ToLower(t.ID)] = t
		if t.Name != "" {
			byKey[strings.ToLower(t.Name)] = t
		}
	}
}

// Resolve maps a raw mention (ID or technique name) within one framework.
// The second return is false for unresolved mentions, which callers retain.
func (r *Resolver) Resolve(raw string, fw model.Framework) (Technique, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return Technique{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch fw {
	case model.FrameworkAtlas:
		t, ok := r.atlas[key]
		return t, ok
	default:
		t, ok := r.attack[key]
		return t, ok
	}
}

// FrameworkOf guesses the namespace of a raw ID string. ATLAS IDs carry the
// AML. prefix; everything else falls to ATT&CK.
func FrameworkOf(raw string) model.Framework {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(raw)), "AML.") {
		return model.FrameworkAtlas
	}
	return model.FrameworkAttack
}

// KnownID reports whether s is a canonical technique ID in either framework.
// Used by the guardrail grounding check: taxonomy IDs are legitimate model
// output even when not quoted verbatim in the source text.
func (r *Resolver) KnownID(s string) bool {
	key := strings.ToUpper(strings.TrimSpace(s))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.attackN[key]; ok {
		return true
	}
	_, ok := r.atlasN[key]
	return ok
}

// ScanMentions finds technique IDs and known technique names in document
// text and returns them as raw mention strings with their framework.
func (r *Resolver) ScanMentions(text string) []model.TTPMention {
	var out []model.TTPMention
	seen := make(map[string]bool)

	add := func(raw string, fw model.Framework) {
		key := string(fw) + "|" + strings.ToLower(raw)
		if seen[key] {
			return
		}
		seen[key] = true
		m := model.TTPMention{RawText: raw, Framework: fw}
		if t, ok := r.Resolve(raw, fw); ok {
			m.ResolvedID = t.ID
		}
		out = append(out, m)
	}

	for _, id := range r.atlasIDRe.FindAllString(text, -1) {
		add(id, model.FrameworkAtlas)
	}
	// strip ATLAS hits so the bare ATT&CK ID pattern does not re-match their tails
	stripped := r.atlasIDRe.ReplaceAllString(text, " ")
	for _, id := range r.attackIDRe.FindAllString(stripped, -1) {
		add(id, model.FrameworkAttack)
	}

	lower := strings.ToLower(text)
	type hit struct {
		name string
		fw   model.Framework
	}
	var hits []hit
	r.mu.RLock()
	for _, t := range r.attackN {
		if t.Name != "" && strings.Contains(lower, strings.ToLower(t.Name)) {
			hits = append(hits, hit{t.Name, model.FrameworkAttack})
		}
	}
	for _, t := range r.atlasN {
		if t.Name != "" && strings.Contains(lower, strings.ToLower(t.Name)) {
			hits = append(hits, hit{t.Name, model.FrameworkAtlas})
		}
	}
	r.mu.RUnlock()
	for _, h := range hits {
		add(h.name, h.fw)
	}
	return out
}

// TacticView indexes resolved techniques by tactic. A multi-tactic technique
// appears under every one of its tactics.
func (r *Resolver) TacticView(ids []string) map[string][]Technique {
	view := make(map[string][]Technique)
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, id := range ids {
		key := strings.ToUpper(strings.TrimSpace(id))
		if seen[key] {
			continue
		}
		seen[key] = true
		t, ok := r.attackN[key]
		if !ok {
			t, ok = r.atlasN[key]
		}
		if !ok {
			continue
		}
		for _, tactic := range t.Tactics {
			view[tactic] = append(view[tactic], t)
		}
	}
	return view
}
