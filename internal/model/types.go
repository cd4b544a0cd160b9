package model

import (
	"time"
)

// IndicatorType enumerates the indicator categories the pattern extractor emits.
type IndicatorType string

const (
	IndicatorIPv4        IndicatorType = "ipv4"
	IndicatorIPv6        IndicatorType = "ipv6"
	IndicatorDomain      IndicatorType = "domain"
	IndicatorURL         IndicatorType = "url"
	IndicatorMD5         IndicatorType = "md5"
	IndicatorSHA1        IndicatorType = "sha1"
	IndicatorSHA256      IndicatorType = "sha256"
	IndicatorEmail       IndicatorType = "email"
	IndicatorCVE         IndicatorType = "cve"
	IndicatorRegistryKey IndicatorType = "registry_key"
	IndicatorFilePath    IndicatorType = "file_path"
	IndicatorTTP         IndicatorType = "ttp"
)

// AllIndicatorTypes lists every valid indicator type, in extraction order.
var AllIndicatorTypes = []IndicatorType{
	IndicatorIPv4, IndicatorIPv6, IndicatorDomain, IndicatorURL,
	IndicatorMD5, IndicatorSHA1, IndicatorSHA256, IndicatorEmail,
	IndicatorCVE, IndicatorRegistryKey, IndicatorFilePath, IndicatorTTP,
}

// IsValid reports whether t is a known indicator type.
func (t IndicatorType) IsValid() bool {
	for _, v := range AllIndicatorTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ExtractionMethod records which stage produced an indicator.
type ExtractionMethod string

const (
	ExtractedByPattern   ExtractionMethod = "pattern"
	ExtractedByReasoning ExtractionMethod = "reasoning"
)

// Framework identifies the technique taxonomy a TTP mention belongs to.
type Framework string

const (
	FrameworkAttack Framework = "attack"
	FrameworkAtlas  Framework = "atlas"
)

// NormalizedDocument is the canonical text+metadata record produced by the
// normalizer. Immutable once created; ContentHash is the dedup key.
type NormalizedDocument struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	SourceDomain string    `json:"source_domain"`
	URL          string    `json:"url"`
	PublishedAt  time.Time `json:"published_at"`
	ContentHash  string    `json:"content_hash"`
}

// ExtractedIndicator is a single IOC tied to the document it was found in.
// (DocumentID, Type, Value) is unique; Value never equals the document's own
// source domain.
type ExtractedIndicator struct {
	ID            string           `json:"id"`
	DocumentID    string           `json:"document_id"`
	Type          IndicatorType    `json:"type"`
	Value         string           `json:"value"`
	Confidence    int              `json:"confidence"` // 0-100
	EvidenceSpan  string           `json:"evidence_span,omitempty"`
	ExtractedBy   ExtractionMethod `json:"extracted_by"`
	Reviewed      bool             `json:"reviewed"`
	FalsePositive bool             `json:"false_positive"`
}

// Key returns the uniqueness key for the (document, type, value) invariant.
func (i ExtractedIndicator) Key() string {
	return i.DocumentID + "|" + string(i.Type) + "|" + i.Value
}

// TTPMention is a raw technique mention. Unresolved mentions keep an empty
// ResolvedID and are retained for later re-resolution.
type TTPMention struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	RawText    string    `json:"raw_text"`
	ResolvedID string    `json:"resolved_id,omitempty"`
	Framework  Framework `json:"framework"`
}

// ThreatActorMention records an actor name observed in a document together
// with the canonical identity it resolved to.
type ThreatActorMention struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	RawName       string `json:"raw_name"`
	CanonicalName string `json:"canonical_name"`
}

// IndicatorRef points at a stored indicator by its uniqueness key.
type IndicatorRef struct {
	Type  IndicatorType `json:"type"`
	Value string        `json:"value"`
}

// ThreatActorProfile aggregates everything observed about one canonical
// identity. Mutated only by the alias engine (merge) and enrichment (fill
// empty fields, never overwrite analyst-confirmed data).
type ThreatActorProfile struct {
	CanonicalName  string              `json:"canonical_name"`
	Aliases        map[string]struct{} `json:"aliases"`
	FirstSeen      time.Time           `json:"first_seen"`
	LastSeen       time.Time           `json:"last_seen"`
	ArticleCount   int                 `json:"article_count"`
	TTPs           map[string]struct{} `json:"ttps"`
	Tools          map[string]struct{} `json:"tools"`
	Infrastructure []IndicatorRef      `json:"infrastructure,omitempty"`
	Verified       bool                `json:"verified"`
}

// Clone returns a deep copy so callers can hand profiles out without
// exposing the engine's mutable state.
func (p *ThreatActorProfile) Clone() *ThreatActorProfile {
	cp := &ThreatActorProfile{
		CanonicalName: p.CanonicalName,
		Aliases:       make(map[string]struct{}, len(p.Aliases)),
		FirstSeen:     p.FirstSeen,
		LastSeen:      p.LastSeen,
		ArticleCount:  p.ArticleCount,
		TTPs:          make(map[string]struct{}, len(p.TTPs)),
		Tools:         make(map[string]struct{}, len(p.Tools)),
		Verified:      p.Verified,
	}
	for a := range p.Aliases {
		cp.Aliases[a] = struct{}{}
	}
	for t := range p.TTPs {
		cp.TTPs[t] = struct{}{}
	}
	for t := range p.Tools {
		cp.Tools[t] = struct{}{}
	}
	cp.Infrastructure = append(cp.Infrastructure, p.Infrastructure...)
	return cp
}

// ActorProfileDelta describes the fields enrichment filled in. Empty delta
// means the profile already had analyst-confirmed data everywhere.
type ActorProfileDelta struct {
	CanonicalName string         `json:"canonical_name"`
	AddedTTPs     []string       `json:"added_ttps,omitempty"`
	AddedTools    []string       `json:"added_tools,omitempty"`
	AddedInfra    []IndicatorRef `json:"added_infrastructure,omitempty"`
	ArticleCount  int            `json:"article_count,omitempty"`
}

// Empty reports whether enrichment changed nothing.
func (d *ActorProfileDelta) Empty() bool {
	return len(d.AddedTTPs) == 0 && len(d.AddedTools) == 0 &&
		len(d.AddedInfra) == 0 && d.ArticleCount == 0
}

// GuardrailCategory enumerates the attack taxonomy the gate checks against.
type GuardrailCategory string

const (
	CategoryPromptInjection  GuardrailCategory = "prompt_injection"
	CategoryJailbreak        GuardrailCategory = "jailbreak"
	CategoryRoleManipulation GuardrailCategory = "role_manipulation"
	CategorySystemLeak       GuardrailCategory = "system_leak"
	CategoryEncodingAttack   GuardrailCategory = "encoding_attack"
	CategoryTokenSmuggling   GuardrailCategory = "token_smuggling"
	CategoryPII              GuardrailCategory = "pii"
	CategoryToxicity         GuardrailCategory = "toxicity"
	CategoryDataExfiltration GuardrailCategory = "data_exfiltration"
	CategoryMaliciousCode    GuardrailCategory = "malicious_code"
	CategoryOutputLeak       GuardrailCategory = "output_leak"
)

// AllGuardrailCategories lists the 11 rule categories.
var AllGuardrailCategories = []GuardrailCategory{
	CategoryPromptInjection, CategoryJailbreak, CategoryRoleManipulation,
	CategorySystemLeak, CategoryEncodingAttack, CategoryTokenSmuggling,
	CategoryPII, CategoryToxicity, CategoryDataExfiltration,
	CategoryMaliciousCode, CategoryOutputLeak,
}

// GuardrailRule is one (category, pattern, enabled) tuple. Rules are created
// and edited externally and consumed read-only by the gate.
type GuardrailRule struct {
	ID       string            `json:"id"`
	Category GuardrailCategory `json:"category"`
	Name     string            `json:"name"`
	Pattern  string            `json:"pattern"`
	Enabled  bool              `json:"enabled"`
}

// GuardrailDecision is the gate outcome for one evaluation.
type GuardrailDecision string

const (
	DecisionAllow GuardrailDecision = "ALLOW"
	DecisionWarn  GuardrailDecision = "WARN"
	DecisionBlock GuardrailDecision = "BLOCK"
)

// GuardrailLogEntry records one rule/check hit for audit.
type GuardrailLogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	RuleID    string            `json:"rule_id,omitempty"`
	Category  GuardrailCategory `json:"category,omitempty"`
	CheckKind string            `json:"check_kind"`
	Decision  GuardrailDecision `json:"decision"`
	Detail    string            `json:"detail,omitempty"`
	Direction string            `json:"direction"` // inbound | outbound
}

// ExtractionResult is the full outcome of extracting one document.
type ExtractionResult struct {
	DocumentID    string               `json:"document_id"`
	Indicators    []ExtractedIndicator `json:"indicators"`
	TTPMentions   []TTPMention         `json:"ttp_mentions"`
	ActorMentions []ThreatActorMention `json:"actor_mentions"`
	GuardrailLog  []GuardrailLogEntry  `json:"guardrail_log,omitempty"`
}

// CorrelationCluster groups documents linked by shared indicators inside one
// correlation window. Clusters are recomputed per run, never persisted
// incrementally.
type CorrelationCluster struct {
	ID               string         `json:"id"`
	DocumentIDs      []string       `json:"document_ids"`
	SharedIndicators []IndicatorRef `json:"shared_indicators"`
	Campaign         bool           `json:"campaign"`
	WindowStart      time.Time      `json:"window_start"`
	WindowEnd        time.Time      `json:"window_end"`
}

// ClusterSet is one correlation run's snapshot.
type ClusterSet struct {
	WindowStart time.Time            `json:"window_start"`
	WindowEnd   time.Time            `json:"window_end"`
	Clusters    []CorrelationCluster `json:"clusters"`
	ComputedAt  time.Time            `json:"computed_at"`
}

// ProviderCallRecord audits one reasoning-service call, success or failure.
type ProviderCallRecord struct {
	Provider   string            `json:"provider"`
	DocumentID string            `json:"document_id"`
	Duration   time.Duration     `json:"duration"`
	Verdict    GuardrailDecision `json:"verdict"`
	Err        string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}
