package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatlens/internal/actor"
	"threatlens/internal/correlate"
	"threatlens/internal/extract"
	"threatlens/internal/guardrail"
	"threatlens/internal/metrics"
	"threatlens/internal/model"
	"threatlens/internal/reasoning"
	"threatlens/internal/store"
	"threatlens/internal/taxonomy"
)

// Engine wires the extraction stages together and owns persistence. The
// three public operations are synchronous; the caller's context deadline is
// honored through every stage.
type Engine struct {
	store      *store.Store
	index      *store.SearchIndex
	extractor  *extract.PatternExtractor
	gate       *guardrail.Gate
	taxonomy   *taxonomy.Resolver
	actors     *actor.Engine
	adapter    *reasoning.Adapter
	correlator *correlate.Correlator
	workers    int
	log        *slog.Logger
}

// Options carries the optional pieces. A nil Adapter disables the reasoning
// stage; a nil SearchIndex disables full-text indexing.
type Options struct {
	SearchIndex *store.SearchIndex
	Adapter     *reasoning.Adapter
	Workers     int
}

func NewEngine(st *store.Store, gate *guardrail.Gate, tax *taxonomy.Resolver, actors *actor.Engine, opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		store:      st,
		index:      opts.SearchIndex,
		extractor:  extract.NewPatternExtractor(),
		gate:       gate,
		taxonomy:   tax,
		actors:     actors,
		adapter:    opts.Adapter,
		correlator: correlate.NewCorrelator(st),
		workers:    workers,
		log:        slog.With("component", "pipeline"),
	}
}

// Extract processes one normalized document end to end: pattern stage,
// taxonomy scan, actor resolution, optional reasoning stage, persistence.
// Re-submitting a document with a known content hash returns the stored
// result without re-extraction.
func (e *Engine) Extract(ctx context.Context, doc *model.NormalizedDocument) (*model.ExtractionResult, error) {
	if err := validateDoc(doc); err != nil {
		metrics.DocumentsProcessed.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if doc.ContentHash != "" {
		existingID, err := e.store.DocumentIDByHash(doc.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("hash lookup: %w", err)
		}
		if existingID != "" {
			res, err := e.store.GetResult(existingID)
			if err == nil {
				metrics.DocumentsProcessed.WithLabelValues("duplicate").Inc()
				e.log.Debug("duplicate content, returning stored result", "doc", doc.ID, "original", existingID)
				return res, nil
			}
			if !errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
		}
	}

	res := &model.ExtractionResult{DocumentID: doc.ID}

	inbound := e.gate.CheckInbound(doc.Text)
	res.GuardrailLog = append(res.GuardrailLog, inbound.Entries...)

	indicators := e.extractor.Extract(doc)
	for _, ind := range indicators {
		// pattern-matched technique IDs become TTP mentions, never indicators
		if ind.Type == model.IndicatorTTP {
			continue
		}
		res.Indicators = append(res.Indicators, ind)
		metrics.IndicatorsExtracted.WithLabelValues(string(ind.Type), string(ind.ExtractedBy)).Inc()
	}

	for _, m := range e.taxonomy.ScanMentions(doc.Text) {
		m.ID = uuid.NewString()
		m.DocumentID = doc.ID
		res.TTPMentions = append(res.TTPMentions, m)
	}

	observedAt := doc.PublishedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	for _, name := range e.extractor.ActorNames(doc) {
		canonical := e.actors.Resolve(name, observedAt)
		res.ActorMentions = append(res.ActorMentions, model.ThreatActorMention{
			ID:            uuid.NewString(),
			DocumentID:    doc.ID,
			RawName:       name,
			CanonicalName: canonical,
		})
	}

	// reasoning is best-effort: a blocked or failed call leaves the
	// pattern-stage result intact
	if e.adapter != nil && !inbound.Blocked() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.mergeReasoning(ctx, doc, res)
	}

	if err := e.persist(doc, res); err != nil {
		return nil, err
	}
	metrics.DocumentsProcessed.WithLabelValues("extracted").Inc()
	return res, nil
}

func (e *Engine) mergeReasoning(ctx context.Context, doc *model.NormalizedDocument, res *model.ExtractionResult) {
	extra, record := e.adapter.Analyze(ctx, doc)

	seen := make(map[string]bool, len(res.Indicators))
	for _, ind := range res.Indicators {
		seen[string(ind.Type)+"|"+strings.ToLower(ind.Value)] = true
	}
	for _, ind := range extra.Indicators {
		key := string(ind.Type) + "|" + strings.ToLower(ind.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Indicators = append(res.Indicators, ind)
	}

	ttpSeen := make(map[string]bool, len(res.TTPMentions))
	for _, m := range res.TTPMentions {
		ttpSeen[string(m.Framework)+"|"+strings.ToLower(m.RawText)] = true
	}
	for _, m := range extra.TTPs {
		key := string(m.Framework) + "|" + strings.ToLower(m.RawText)
		if ttpSeen[key] {
			continue
		}
		ttpSeen[key] = true
		res.TTPMentions = append(res.TTPMentions, m)
	}

	actorSeen := make(map[string]bool, len(res.ActorMentions))
	for _, m := range res.ActorMentions {
		actorSeen[strings.ToLower(m.RawName)] = true
	}
	observedAt := doc.PublishedAt
	if observedAt.IsZero() {
		observedAt = record.At
	}
	for _, m := range extra.Actors {
		key := strings.ToLower(m.RawName)
		if actorSeen[key] {
			continue
		}
		actorSeen[key] = true
		m.CanonicalName = e.actors.Resolve(m.RawName, observedAt)
		res.ActorMentions = append(res.ActorMentions, m)
	}
}

func (e *Engine) persist(doc *model.NormalizedDocument, res *model.ExtractionResult) error {
	if err := e.store.PutDocument(doc); err != nil {
		return err
	}
	duplicates, err := e.store.PutResult(res)
	if err != nil {
		return err
	}
	if duplicates > 0 {
		e.log.Debug("skipped existing indicator rows", "doc", doc.ID, "count", duplicates)
	}
	for _, m := range res.ActorMentions {
		if m.CanonicalName == "" {
			continue
		}
		if p := e.actors.Profile(m.CanonicalName); p != nil {
			if err := e.store.PutProfile(p); err != nil {
				return err
			}
		}
	}
	if e.index != nil {
		if err := e.index.IndexResult(doc, res); err != nil {
			e.log.Warn("search indexing failed", "doc", doc.ID, "err", err)
		}
	}
	return nil
}

// ExtractBatch fans documents out over a bounded worker pool. Only
// validation failures surface per document; everything else degrades.
func (e *Engine) ExtractBatch(ctx context.Context, docs []*model.NormalizedDocument) map[string]error {
	jobs := make(chan *model.NormalizedDocument)
	var mu sync.Mutex
	failures := make(map[string]error)

	var wg sync.WaitGroup
	for range e.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc := range jobs {
				if _, err := e.Extract(ctx, doc); err != nil {
					mu.Lock()
					failures[doc.ID] = err
					mu.Unlock()
				}
			}
		}()
	}

	for _, doc := range docs {
		select {
		case jobs <- doc:
		case <-ctx.Done():
			mu.Lock()
			failures[doc.ID] = ctx.Err()
			mu.Unlock()
		}
	}
	close(jobs)
	wg.Wait()
	return failures
}

// EnrichActor fills the empty fields of a canonical profile from everything
// the corpus holds about that actor. Existing values are never overwritten.
func (e *Engine) EnrichActor(ctx context.Context, canonicalName string) (*model.ActorProfileDelta, error) {
	if canonicalName == "" {
		return nil, fmt.Errorf("%w: canonical name required", model.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.actors.Profile(canonicalName) == nil {
		return nil, fmt.Errorf("%w: actor %s", model.ErrNotFound, canonicalName)
	}

	ttps, infra, err := e.corpusFactsFor(canonicalName)
	if err != nil {
		return nil, err
	}

	delta := e.actors.Enrich(canonicalName, ttps, nil, infra)
	if !delta.Empty() {
		if p := e.actors.Profile(canonicalName); p != nil {
			if err := e.store.PutProfile(p); err != nil {
				return nil, err
			}
		}
	}
	return delta, nil
}

// corpusFactsFor collects resolved TTP IDs and infrastructure indicators
// from every document that mentions the actor.
func (e *Engine) corpusFactsFor(canonicalName string) ([]string, []model.IndicatorRef, error) {
	docIDs, err := e.store.DocumentsMentioning(canonicalName)
	if err != nil {
		return nil, nil, err
	}

	var ttps []string
	var infra []model.IndicatorRef
	ttpSeen := make(map[string]bool)
	infraSeen := make(map[string]bool)
	for _, docID := range docIDs {
		res, err := e.store.GetResult(docID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		for _, m := range res.TTPMentions {
			if m.ResolvedID == "" || ttpSeen[m.ResolvedID] {
				continue
			}
			ttpSeen[m.ResolvedID] = true
			ttps = append(ttps, m.ResolvedID)
		}
		for _, ind := range res.Indicators {
			if ind.FalsePositive {
				continue
			}
			switch ind.Type {
			case model.IndicatorIPv4, model.IndicatorIPv6, model.IndicatorDomain, model.IndicatorURL:
				key := string(ind.Type) + "|" + strings.ToLower(ind.Value)
				if infraSeen[key] {
					continue
				}
				infraSeen[key] = true
				infra = append(infra, model.IndicatorRef{Type: ind.Type, Value: ind.Value})
			}
		}
	}
	return ttps, infra, nil
}

// Correlate runs one windowed correlation batch over the stored corpus.
func (e *Engine) Correlate(ctx context.Context, windowStart, windowEnd time.Time) (*model.ClusterSet, error) {
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("%w: window end must be after start", model.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.correlator.Correlate(windowStart, windowEnd)
}

func validateDoc(doc *model.NormalizedDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", model.ErrValidation)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: document id required", model.ErrValidation)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return fmt.Errorf("%w: document text required", model.ErrValidation)
	}
	if doc.SourceDomain == "" {
		return fmt.Errorf("%w: source domain required", model.ErrValidation)
	}
	return nil
}
