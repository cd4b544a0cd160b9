package actor

import (
	"strings"
	"sync"
	"time"

	"threatlens/internal/metrics"
	"threatlens/internal/model"
)

// Edit-distance merge thresholds on normalized names. Both bounds must hold
// so short names cannot merge on a single typo-sized distance ratio.
const (
	maxMergeDistance = 3
	maxMergeRatio    = 0.25
)

// Engine canonicalizes threat-actor name variants and maintains merge-only
// actor profiles. Alias merges are monotonic: once two names share a
// canonical identity they never split. Updates to one canonical profile are
// serialized by a per-profile lock; different profiles proceed concurrently.
type Engine struct {
	mu       sync.RWMutex
	aliases  map[string]string // normalized alias -> canonical name
	profiles map[string]*profileEntry
}

type profileEntry struct {
	mu      sync.Mutex
	profile *model.ThreatActorProfile
}

// NewEngine builds an engine seeded with the static alias dictionary.
func NewEngine() *Engine {
	e := &Engine{
		aliases:  make(map[string]string, len(seedAliases)),
		profiles: make(map[string]*profileEntry),
	}
	for alias, canonical := range seedAliases {
		e.aliases[normalizeName(alias)] = canonical
	}
	return e
}

// Load replays persisted profiles into the engine at startup.
func (e *Engine) Load(profiles []*model.ThreatActorProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range profiles {
		e.profiles[strings.ToLower(p.CanonicalName)] = &profileEntry{profile: p.Clone()}
		e.aliases[normalizeName(p.CanonicalName)] = p.CanonicalName
		for a := range p.Aliases {
			e.aliases[normalizeName(a)] = p.CanonicalName
		}
	}
}

// Resolve canonicalizes rawName and records the observation against the
// profile, extending (never shrinking) its date range.
func (e *Engine) Resolve(rawName string, observedAt time.Time) string {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return ""
	}

	canonical, merged := e.canonicalFor(name)
	if merged {
		metrics.ActorMerges.Inc()
	}
	e.observe(canonical, name, observedAt)
	return canonical
}

// canonicalFor finds or creates the canonical identity for a name. The
// second return reports whether a fuzzy merge registered a new alias.
func (e *Engine) canonicalFor(name string) (string, bool) {
	norm := normalizeName(name)

	e.mu.RLock()
	if canonical, ok := e.aliases[norm]; ok {
		e.mu.RUnlock()
		return canonical, false
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	// recheck under the write lock, another worker may have registered it
	if canonical, ok := e.aliases[norm]; ok {
		return canonical, false
	}

	// fuzzy match against every known alias and canonical name
	if canonical, ok := e.closestMatch(norm); ok {
		e.aliases[norm] = canonical
		return canonical, true
	}

	// new primary identity
	e.aliases[norm] = name
	return name, false
}

func (e *Engine) closestMatch(norm string) (string, bool) {
	best := maxMergeDistance + 1
	var bestCanonical string
	for alias, canonical := range e.aliases {
		// numbered groups are distinct identities: APT28 never merges
		// into APT29 however close the spelling
		if trailingDigits(norm) != trailingDigits(alias) {
			continue
		}
		d := levenshtein(norm, alias)
		limit := int(float64(max(len(norm), len(alias))) * maxMergeRatio)
		if limit > maxMergeDistance {
			limit = maxMergeDistance
		}
		if d <= limit && d < best {
			best = d
			bestCanonical = canonical
		}
	}
	return bestCanonical, bestCanonical != ""
}

func trailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[i:]
}

// observe updates the canonical profile under its own lock.
func (e *Engine) observe(canonical, rawName string, observedAt time.Time) {
	entry := e.entryFor(canonical)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	p := entry.profile
	if !strings.EqualFold(rawName, canonical) {
		p.Aliases[rawName] = struct{}{}
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	if p.FirstSeen.IsZero() || observedAt.Before(p.FirstSeen) {
		p.FirstSeen = observedAt
	}
	if observedAt.After(p.LastSeen) {
		p.LastSeen = observedAt
	}
	p.ArticleCount++
}

func (e *Engine) entryFor(canonical string) *profileEntry {
	key := strings.ToLower(canonical)
	e.mu.RLock()
	entry, ok := e.profiles[key]
	e.mu.RUnlock()
	if ok {
		return entry
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok = e.profiles[key]; ok {
		return entry
	}
	entry = &profileEntry{profile: &model.ThreatActorProfile{
		CanonicalName: canonical,
		Aliases:       make(map[string]struct{}),
		TTPs:          make(map[string]struct{}),
		Tools:         make(map[string]struct{}),
	}}
	e.profiles[key] = entry
	return entry
}

// Profile returns a copy of the canonical profile, or nil if unknown.
func (e *Engine) Profile(canonical string) *model.ThreatActorProfile {
	e.mu.RLock()
	entry, ok := e.profiles[strings.ToLower(canonical)]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.profile.Clone()
}

// Profiles snapshots every profile for persistence.
func (e *Engine) Profiles() []*model.ThreatActorProfile {
	e.mu.RLock()
	entries := make([]*profileEntry, 0, len(e.profiles))
	for _, entry := range e.profiles {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	out := make([]*model.ThreatActorProfile, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.profile.Clone())
		entry.mu.Unlock()
	}
	return out
}

// Enrich fills empty profile fields from observed data and returns the
// delta. Non-empty (analyst-confirmed) fields are never overwritten; a
// verified profile is never touched.
func (e *Engine) Enrich(canonical string, ttps []string, tools []string, infra []model.IndicatorRef) *model.ActorProfileDelta {
	delta := &model.ActorProfileDelta{CanonicalName: canonical}

	e.mu.RLock()
	entry, ok := e.profiles[strings.ToLower(canonical)]
	e.mu.RUnlock()
	if !ok {
		return delta
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	p := entry.profile
	if p.Verified {
		return delta
	}

	if len(p.TTPs) == 0 {
		for _, t := range ttps {
			if _, dup := p.TTPs[t]; !dup {
				p.TTPs[t] = struct{}{}
				delta.AddedTTPs = append(delta.AddedTTPs, t)
			}
		}
	}
	if len(p.Tools) == 0 {
		for _, t := range tools {
			if _, dup := p.Tools[t]; !dup {
				p.Tools[t] = struct{}{}
				delta.AddedTools = append(delta.AddedTools, t)
			}
		}
	}
	if len(p.Infrastructure) == 0 {
		p.Infrastructure = append(p.Infrastructure, infra...)
		delta.AddedInfra = append(delta.AddedInfra, infra...)
	}
	return delta
}

// normalizeName lowercases and strips everything but letters and digits so
// spelling variants ("APT 29", "apt-29") compare equal.
func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// levenshtein computes edit distance with the usual two-row DP.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
