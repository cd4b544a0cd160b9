package store

import (
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"threatlens/internal/model"
)

// SearchDocument is the flattened shape stored in the bleve index: one row
// per processed document, carrying everything worth querying.
type SearchDocument struct {
	SourceDomain    string    `json:"source_domain"`
	Actors          []string  `json:"actors"`
	TTPs            []string  `json:"ttps"`
	IndicatorValues []string  `json:"indicator_values"`
	Text            string    `json:"text"`
	PublishedAt     time.Time `json:"published_at"`
	Type            string    `json:"type"`
}

// SearchHit is one scored result.
type SearchHit struct {
	DocumentID   string   `json:"document_id"`
	Score        float64  `json:"score"`
	SourceDomain string   `json:"source_domain,omitempty"`
	Actors       []string `json:"actors,omitempty"`
}

// SearchIndex wraps the bleve full-text index over the processed corpus.
type SearchIndex struct {
	index bleve.Index
}

// OpenSearchIndex opens the index at path, creating it with the document
// mapping when absent.
func OpenSearchIndex(path string) (*SearchIndex, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		index, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
		return &SearchIndex{index: index}, nil
	}
	index, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &SearchIndex{index: index}, nil
}

func buildMapping() mapping.IndexMapping {
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	textFieldMapping := bleve.NewTextFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("source_domain", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("actors", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("ttps", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("indicator_values", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("text", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("report", docMapping)
	return indexMapping
}

// IndexResult flattens one extraction outcome into the index.
func (si *SearchIndex) IndexResult(doc *model.NormalizedDocument, res *model.ExtractionResult) error {
	sd := SearchDocument{
		SourceDomain: doc.SourceDomain,
		Text:         doc.Text,
		PublishedAt:  doc.PublishedAt,
		Type:         "report",
	}
	for _, m := range res.ActorMentions {
		name := m.CanonicalName
		if name == "" {
			name = m.RawName
		}
		sd.Actors = append(sd.Actors, name)
	}
	for _, m := range res.TTPMentions {
		if m.ResolvedID != "" {
			sd.TTPs = append(sd.TTPs, m.ResolvedID)
		}
	}
	for _, ind := range res.Indicators {
		sd.IndicatorValues = append(sd.IndicatorValues, ind.Value)
	}
	if err := si.index.Index(doc.ID, sd); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

// Search runs a match query and returns up to size scored hits.
func (si *SearchIndex) Search(queryStr string, size int) ([]SearchHit, uint64, error) {
	if size <= 0 {
		size = 10
	}
	query := bleve.NewMatchQuery(queryStr)
	req := bleve.NewSearchRequest(query)
	req.Fields = []string{"source_domain", "actors"}
	req.Size = size

	results, err := si.index.Search(req)
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}

	hits := make([]SearchHit, 0, len(results.Hits))
	for _, hit := range results.Hits {
		h := SearchHit{DocumentID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["source_domain"].(string); ok {
			h.SourceDomain = v
		}
		switch v := hit.Fields["actors"].(type) {
		case string:
			h.Actors = []string{v}
		case []interface{}:
			for _, a := range v {
				if s, ok := a.(string); ok {
					h.Actors = append(h.Actors, s)
				}
			}
		}
		hits = append(hits, h)
	}
	return hits, results.Total, nil
}

func (si *SearchIndex) Close() error {
	return si.index.Close()
}
