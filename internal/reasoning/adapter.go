package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatlens/internal/extract"
	"threatlens/internal/guardrail"
	"threatlens/internal/metrics"
	"threatlens/internal/model"
	"threatlens/internal/resilience"
	"threatlens/internal/taxonomy"
)

// Result is what a reasoning pass adds on top of pattern extraction. A
// failed or blocked call yields the zero Result, never an error.
type Result struct {
	Indicators []model.ExtractedIndicator
	TTPs       []model.TTPMention
	Actors     []model.ThreatActorMention
}

// AdapterConfig bounds the adapter's calls.
type AdapterConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	// Requests per minute against the provider.
	RatePerMinute int64 `yaml:"rate_per_minute"`
}

func (c *AdapterConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
}

// Adapter wraps a Provider with the guardrail gate, rate limiting, retries
// and output grounding. Reasoning is best-effort: any failure degrades to
// pattern-only extraction upstream.
type Adapter struct {
	provider Provider
	gate     *guardrail.Gate
	taxonomy *taxonomy.Resolver
	limiter  *resilience.RateLimiter
	cfg      AdapterConfig
	log      *slog.Logger
}

func NewAdapter(provider Provider, gate *guardrail.Gate, tax *taxonomy.Resolver, cfg AdapterConfig) *Adapter {
	cfg.defaults()
	perSec := float64(cfg.RatePerMinute) / 60.0
	return &Adapter{
		provider: provider,
		gate:     gate,
		taxonomy: tax,
		limiter:  resilience.NewRateLimiter(cfg.RatePerMinute, perSec, time.Minute, cfg.RatePerMinute),
		cfg:      cfg,
		log:      slog.With("component", "reasoning"),
	}
}

// llmExtraction is the JSON shape the prompt asks the model to emit.
type llmExtraction struct {
	Indicators []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"indicators"`
	TTPs   []string `json:"ttps"`
	Actors []string `json:"actors"`
}

const promptTemplate = `You are a threat intelligence analyst. Extract indicators of compromise, MITRE ATT&CK/ATLAS technique IDs and threat actor names from the article below. Respond with JSON only, no prose, in this shape:
{"indicators":[{"type":"ipv4|ipv6|domain|url|md5|sha1|sha256|email|cve|registry_key|file_path","value":"..."}],"ttps":["T1059","AML.T0051"],"actors":["APT29"]}
Only report values that appear verbatim in the article.

ARTICLE:
%s`

// Analyze runs one guarded reasoning pass over the document. The returned
// record is always populated for auditing; the Result is empty whenever the
// gate blocked or the provider failed.
func (a *Adapter) Analyze(ctx context.Context, doc *model.NormalizedDocument) (Result, model.ProviderCallRecord) {
	record := model.ProviderCallRecord{
		Provider:   a.provider.Name(),
		DocumentID: doc.ID,
		At:         time.Now().UTC(),
		Verdict:    model.DecisionAllow,
	}

	// inbound gate runs on the source text before anything leaves the process
	if v := a.gate.CheckInbound(doc.Text); v.Blocked() {
		record.Verdict = model.DecisionBlock
		record.Err = model.ErrGuardrailBlocked.Error()
		metrics.ProviderCalls.WithLabelValues(record.Provider, "blocked").Inc()
		a.log.Warn("inbound gate blocked document", "doc", doc.ID, "entries", len(v.Entries))
		return Result{}, record
	}

	if wait := a.limiter.ReserveAfter(1); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			record.Err = ctx.Err().Error()
			metrics.ProviderCalls.WithLabelValues(record.Provider, "rate_limited").Inc()
			return Result{}, record
		}
	}

	prompt := fmt.Sprintf(promptTemplate, doc.Text)
	start := time.Now()
	raw, err := resilience.Retry(ctx, a.cfg.MaxAttempts, a.cfg.RetryDelay, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		return a.provider.Extract(callCtx, prompt)
	})
	record.Duration = time.Since(start)
	metrics.ProviderLatency.WithLabelValues(record.Provider).Observe(record.Duration.Seconds())

	if err != nil {
		record.Err = err.Error()
		outcome := "error"
		if errors.Is(err, model.ErrProviderTimeout) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ProviderCalls.WithLabelValues(record.Provider, outcome).Inc()
		a.log.Warn("provider call failed", "provider", record.Provider, "doc", doc.ID, "err", err)
		return Result{}, record
	}

	// outbound gate on the raw response, then grounding on parsed values
	if v := a.gate.CheckOutbound(raw); v.Blocked() {
		record.Verdict = model.DecisionBlock
		record.Err = model.ErrGuardrailBlocked.Error()
		metrics.ProviderCalls.WithLabelValues(record.Provider, "blocked").Inc()
		a.log.Warn("outbound gate blocked response", "provider", record.Provider, "doc", doc.ID)
		return Result{}, record
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		record.Err = err.Error()
		metrics.ProviderCalls.WithLabelValues(record.Provider, "error").Inc()
		a.log.Warn("unparseable provider response", "provider", record.Provider, "doc", doc.ID, "err", err)
		return Result{}, record
	}

	candidates := groundingCandidates(parsed)
	if v := a.gate.CheckGrounding(candidates, doc.Text, a.taxonomy.KnownID); v.Blocked() {
		record.Verdict = model.DecisionBlock
		record.Err = model.ErrGuardrailBlocked.Error()
		metrics.ProviderCalls.WithLabelValues(record.Provider, "blocked").Inc()
		a.log.Warn("ungrounded provider response dropped", "provider", record.Provider, "doc", doc.ID)
		return Result{}, record
	}

	res := a.buildResult(doc, parsed)
	metrics.ProviderCalls.WithLabelValues(record.Provider, "ok").Inc()
	return res, record
}

// parseResponse tolerates markdown code fences around the JSON body.
func parseResponse(raw string) (llmExtraction, error) {
	body := strings.TrimSpace(raw)
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}
	var out llmExtraction
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return llmExtraction{}, fmt.Errorf("%w: parse extraction json: %v", model.ErrProviderFailure, err)
	}
	return out, nil
}

func groundingCandidates(parsed llmExtraction) []string {
	out := make([]string, 0, len(parsed.Indicators)+len(parsed.TTPs))
	for _, ind := range parsed.Indicators {
		out = append(out, ind.Value)
	}
	out = append(out, parsed.TTPs...)
	return out
}

// buildResult re-validates every value and drops anything self-referential
// or malformed. Reasoning output gets a lower confidence than pattern hits.
const reasoningConfidence = 75

func (a *Adapter) buildResult(doc *model.NormalizedDocument, parsed llmExtraction) Result {
	var res Result
	seen := make(map[string]bool)
	for _, ind := range parsed.Indicators {
		typ := model.IndicatorType(strings.ToLower(strings.TrimSpace(ind.Type)))
		value := strings.TrimSpace(ind.Value)
		if value == "" || !extract.ValidValue(typ, value) {
			continue
		}
		if extract.IsSelfReference(typ, value, doc.SourceDomain) {
			continue
		}
		key := string(typ) + "|" + strings.ToLower(value)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Indicators = append(res.Indicators, model.ExtractedIndicator{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			Type:        typ,
			Value:       value,
			Confidence:  reasoningConfidence,
			ExtractedBy: model.ExtractedByReasoning,
		})
		metrics.IndicatorsExtracted.WithLabelValues(string(typ), string(model.ExtractedByReasoning)).Inc()
	}

	for _, raw := range parsed.TTPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		fw := taxonomy.FrameworkOf(raw)
		mention := model.TTPMention{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			RawText:    raw,
			Framework:  fw,
		}
		if tech, ok := a.taxonomy.Resolve(raw, fw); ok {
			mention.ResolvedID = tech.ID
		}
		res.TTPs = append(res.TTPs, mention)
	}

	for _, name := range parsed.Actors {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		res.Actors = append(res.Actors, model.ThreatActorMention{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			RawName:    name,
		})
	}
	return res
}
