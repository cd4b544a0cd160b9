package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"threatlens/internal/model"
)

const (
	DocumentBucket     = "documents"
	DocumentHashBucket = "documents_by_hash"
	ResultBucket       = "extraction_results"
	IndicatorBucket    = "indicators"
	TTPMentionBucket   = "ttp_mentions"
	ActorMentionBucket = "actor_mentions"
	ProfileBucket      = "actor_profiles"
	RuleBucket         = "guardrail_rules"
	GuardrailLogBucket = "guardrail_logs"
)

// Store is the bolt-backed persistence layer. One file, one bucket per
// record kind, JSON values.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
}

// Open opens (or creates) the database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			DocumentBucket, DocumentHashBucket, ResultBucket,
			IndicatorBucket, TTPMentionBucket, ActorMentionBucket,
			ProfileBucket, RuleBucket, GuardrailLogBucket,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: slog.With("component", "store")}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutDocument stores the normalized document and its content-hash pointer.
func (s *Store) PutDocument(doc *model.NormalizedDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(DocumentBucket)).Put([]byte(doc.ID), data); err != nil {
			return fmt.Errorf("put document: %w", err)
		}
		if doc.ContentHash != "" {
			return tx.Bucket([]byte(DocumentHashBucket)).Put([]byte(doc.ContentHash), []byte(doc.ID))
		}
		return nil
	})
}

// GetDocument retrieves one document by ID.
func (s *Store) GetDocument(id string) (*model.NormalizedDocument, error) {
	var doc model.NormalizedDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(DocumentBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: document %s", model.ErrNotFound, id)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DocumentIDByHash resolves a content hash to the document that first
// carried it. Empty string when unseen.
func (s *Store) DocumentIDByHash(hash string) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(DocumentHashBucket)).Get([]byte(hash)); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// PutResult persists a full extraction outcome in one transaction. Indicator
// rows that already exist are left untouched; the duplicate count is
// returned for the caller's accounting.
func (s *Store) PutResult(res *model.ExtractionResult) (duplicates int, err error) {
	blob, err := json.Marshal(res)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(ResultBucket)).Put([]byte(res.DocumentID), blob); err != nil {
			return fmt.Errorf("put result: %w", err)
		}

		inds := tx.Bucket([]byte(IndicatorBucket))
		for _, ind := range res.Indicators {
			key := []byte(ind.Key())
			if inds.Get(key) != nil {
				duplicates++
				continue
			}
			data, err := json.Marshal(ind)
			if err != nil {
				return fmt.Errorf("marshal indicator: %w", err)
			}
			if err := inds.Put(key, data); err != nil {
				return fmt.Errorf("put indicator: %w", err)
			}
		}

		ttps := tx.Bucket([]byte(TTPMentionBucket))
		for _, m := range res.TTPMentions {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal ttp mention: %w", err)
			}
			if err := ttps.Put([]byte(m.ID), data); err != nil {
				return fmt.Errorf("put ttp mention: %w", err)
			}
		}

		actors := tx.Bucket([]byte(ActorMentionBucket))
		for _, m := range res.ActorMentions {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal actor mention: %w", err)
			}
			if err := actors.Put([]byte(m.ID), data); err != nil {
				return fmt.Errorf("put actor mention: %w", err)
			}
		}

		logs := tx.Bucket([]byte(GuardrailLogBucket))
		for i, e := range res.GuardrailLog {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal guardrail entry: %w", err)
			}
			key := fmt.Sprintf("%s|%03d", res.DocumentID, i)
			if err := logs.Put([]byte(key), data); err != nil {
				return fmt.Errorf("put guardrail entry: %w", err)
			}
		}
		return nil
	})
	return duplicates, err
}

// GetResult returns the stored extraction outcome for a document, or
// ErrNotFound when the document was never processed.
func (s *Store) GetResult(docID string) (*model.ExtractionResult, error) {
	var res model.ExtractionResult
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ResultBucket)).Get([]byte(docID))
		if data == nil {
			return fmt.Errorf("%w: result for %s", model.ErrNotFound, docID)
		}
		return json.Unmarshal(data, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// IndicatorsInWindow returns indicators whose documents were published
// inside [start, end]. Correlation's snapshot source.
func (s *Store) IndicatorsInWindow(start, end time.Time) ([]model.ExtractedIndicator, error) {
	var out []model.ExtractedIndicator
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(DocumentBucket))
		inWindow := make(map[string]bool)
		if err := docs.ForEach(func(k, v []byte) error {
			var doc model.NormalizedDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				s.log.Warn("skipping unreadable document row", "key", string(k), "err", err)
				return nil
			}
			if !doc.PublishedAt.Before(start) && !doc.PublishedAt.After(end) {
				inWindow[doc.ID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket([]byte(IndicatorBucket)).ForEach(func(k, v []byte) error {
			var ind model.ExtractedIndicator
			if err := json.Unmarshal(v, &ind); err != nil {
				s.log.Warn("skipping unreadable indicator row", "key", string(k), "err", err)
				return nil
			}
			if inWindow[ind.DocumentID] {
				out = append(out, ind)
			}
			return nil
		})
	})
	return out, err
}

// DocumentsMentioning lists document IDs whose actor mentions resolved to
// the given canonical name.
func (s *Store) DocumentsMentioning(canonical string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ActorMentionBucket)).ForEach(func(k, v []byte) error {
			var m model.ThreatActorMention
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if m.CanonicalName == canonical && !seen[m.DocumentID] {
				seen[m.DocumentID] = true
				out = append(out, m.DocumentID)
			}
			return nil
		})
	})
	return out, err
}

// SetReviewFlags updates the reviewer-owned flags on one indicator, both on
// the indicator row and inside the stored extraction result so every reader
// sees the same flags. The engine itself never calls this.
func (s *Store) SetReviewFlags(docID string, typ model.IndicatorType, value string, reviewed, falsePositive bool) error {
	key := []byte(docID + "|" + string(typ) + "|" + value)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(IndicatorBucket))
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%w: indicator %s", model.ErrNotFound, string(key))
		}
		var ind model.ExtractedIndicator
		if err := json.Unmarshal(data, &ind); err != nil {
			return fmt.Errorf("unmarshal indicator: %w", err)
		}
		ind.Reviewed = reviewed
		ind.FalsePositive = falsePositive
		updated, err := json.Marshal(ind)
		if err != nil {
			return err
		}
		if err := b.Put(key, updated); err != nil {
			return fmt.Errorf("put indicator: %w", err)
		}

		results := tx.Bucket([]byte(ResultBucket))
		blob := results.Get([]byte(docID))
		if blob == nil {
			return nil
		}
		var res model.ExtractionResult
		if err := json.Unmarshal(blob, &res); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		for i := range res.Indicators {
			if res.Indicators[i].Type == typ && res.Indicators[i].Value == value {
				res.Indicators[i].Reviewed = reviewed
				res.Indicators[i].FalsePositive = falsePositive
			}
		}
		reblob, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		return results.Put([]byte(docID), reblob)
	})
}

// PutProfile persists one actor profile keyed by canonical name.
func (s *Store) PutProfile(p *model.ThreatActorProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ProfileBucket)).Put([]byte(p.CanonicalName), data)
	})
}

// GetProfile retrieves one profile by canonical name.
func (s *Store) GetProfile(canonical string) (*model.ThreatActorProfile, error) {
	var p model.ThreatActorProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ProfileBucket)).Get([]byte(canonical))
		if data == nil {
			return fmt.Errorf("%w: profile %s", model.ErrNotFound, canonical)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Profiles returns every stored actor profile.
func (s *Store) Profiles() ([]*model.ThreatActorProfile, error) {
	var out []*model.ThreatActorProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ProfileBucket)).ForEach(func(k, v []byte) error {
			var p model.ThreatActorProfile
			if err := json.Unmarshal(v, &p); err != nil {
				s.log.Warn("skipping unreadable profile row", "key", string(k), "err", err)
				return nil
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// ReplaceRules swaps the persisted guardrail ruleset wholesale. The gate
// reads rules once at startup; edits take effect on restart or reload.
func (s *Store) ReplaceRules(rules []model.GuardrailRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(RuleBucket)); err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		b, err := tx.CreateBucket([]byte(RuleBucket))
		if err != nil {
			return fmt.Errorf("recreate rules bucket: %w", err)
		}
		for _, r := range rules {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal rule: %w", err)
			}
			if err := b.Put([]byte(r.ID), data); err != nil {
				return fmt.Errorf("put rule: %w", err)
			}
		}
		return nil
	})
}

// Rules lists the persisted guardrail ruleset, sorted by ID via bolt's
// key ordering.
func (s *Store) Rules() ([]model.GuardrailRule, error) {
	var out []model.GuardrailRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(RuleBucket)).ForEach(func(k, v []byte) error {
			var r model.GuardrailRule
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal rule %s: %w", string(k), err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Stats summarizes the stored corpus.
type Stats struct {
	Documents          int            `json:"documents"`
	Indicators         int            `json:"indicators"`
	Actors             int            `json:"actors"`
	TTPMentions        int            `json:"ttp_mentions"`
	IndicatorFrequency map[string]int `json:"indicator_type_frequency"`
	TTPFrequency       map[string]int `json:"ttp_frequency"`
}

// GetStats walks the corpus and counts per-type frequencies.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{
		IndicatorFrequency: make(map[string]int),
		TTPFrequency:       make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Documents = tx.Bucket([]byte(DocumentBucket)).Stats().KeyN
		stats.Actors = tx.Bucket([]byte(ProfileBucket)).Stats().KeyN

		if err := tx.Bucket([]byte(IndicatorBucket)).ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "|", 3)
			if len(parts) == 3 {
				stats.IndicatorFrequency[parts[1]]++
			}
			stats.Indicators++
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket([]byte(TTPMentionBucket)).ForEach(func(k, v []byte) error {
			var m model.TTPMention
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			stats.TTPMentions++
			if m.ResolvedID != "" {
				stats.TTPFrequency[m.ResolvedID]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
