package normalize

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"threatlens/internal/model"
)

// RawArticle is the already-fetched payload handed over by the ingestion
// subsystem. Body may be HTML or plain text.
type RawArticle struct {
	ID          string    `json:"id,omitempty"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Normalizer converts raw article payloads into canonical
// NormalizedDocument records.
type Normalizer struct {
	scriptRe  *regexp.Regexp
	styleRe   *regexp.Regexp
	tagRe     *regexp.Regexp
	spaceRe   *regexp.Regexp
	hrefRe    *regexp.Regexp
	maxLength int
}

// NewNormalizer builds a normalizer with the default text length cap.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		scriptRe:  regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
		styleRe:   regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`),
		tagRe:     regexp.MustCompile(`<[^>]*>`),
		spaceRe:   regexp.MustCompile(`\s+`),
		hrefRe:    regexp.MustCompile(`(?i)(?:href|src)\s*=\s*["']([^"']+)["']`),
		maxLength: 100000, // cap text length, large reports add noise not signal
	}
}

// Normalize validates the article and produces an immutable document record.
func (n *Normalizer) Normalize(raw RawArticle) (*model.NormalizedDocument, error) {
	if strings.TrimSpace(raw.Body) == "" {
		return nil, fmt.Errorf("%w: empty body", model.ErrValidation)
	}
	if strings.TrimSpace(raw.URL) == "" {
		return nil, fmt.Errorf("%w: missing url", model.ErrValidation)
	}

	base, err := url.Parse(raw.URL)
	if err != nil || base.Hostname() == "" {
		return nil, fmt.Errorf("%w: unparseable url %q", model.ErrValidation, raw.URL)
	}

	body := n.resolveLinks(raw.Body, base)
	text := n.stripBoilerplate(body)
	if text == "" {
		return nil, fmt.Errorf("%w: no text after boilerplate removal", model.ErrValidation)
	}
	if len(text) > n.maxLength {
		cut := n.maxLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}

	published := raw.PublishedAt
	if published.IsZero() {
		published = time.Now().UTC()
	}

	return &model.NormalizedDocument{
		ID:           id,
		Text:         text,
		SourceDomain: strings.ToLower(base.Hostname()),
		URL:          raw.URL,
		PublishedAt:  published,
		ContentHash:  contentHash(text),
	}, nil
}

// resolveLinks rewrites relative href/src targets to absolute URLs so the
// pattern extractor sees fully qualified indicators.
func (n *Normalizer) resolveLinks(body string, base *url.URL) string {
	return n.hrefRe.ReplaceAllStringFunc(body, func(attr string) string {
		m := n.hrefRe.FindStringSubmatch(attr)
		if len(m) < 2 {
			return attr
		}
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil || ref.IsAbs() {
			return attr
		}
		resolved := base.ResolveReference(ref).String()
		return strings.Replace(attr, m[1], resolved, 1)
	})
}

// stripBoilerplate removes script/style blocks and tags without full DOM
// parsing, then collapses whitespace.
func (n *Normalizer) stripBoilerplate(body string) string {
	body = n.scriptRe.ReplaceAllString(body, " ")
	body = n.styleRe.ReplaceAllString(body, " ")
	body = n.tagRe.ReplaceAllString(body, " ")
	body = n.spaceRe.ReplaceAllString(body, " ")
	return strings.TrimSpace(body)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}
