package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"threatlens/internal/model"
)

func TestNormalizeHTMLArticle(t *testing.T) {
	n := NewNormalizer()
	raw := RawArticle{
		ID:  "article-1",
		URL: "https://research.example.com/posts/apt29",
		Body: `<html><head><style>body { color: red }</style>
<script>trackPageview();</script></head>
<body><h1>APT29 Campaign</h1><p>C2 at <a href="/iocs">203.0.113.7</a>.</p></body></html>`,
		PublishedAt: time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC),
	}

	doc, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if doc.ID != "article-1" {
		t.Errorf("ID = %q", doc.ID)
	}
	if doc.SourceDomain != "research.example.com" {
		t.Errorf("SourceDomain = %q", doc.SourceDomain)
	}
	if strings.Contains(doc.Text, "<") || strings.Contains(doc.Text, "trackPageview") || strings.Contains(doc.Text, "color: red") {
		t.Errorf("boilerplate survived: %q", doc.Text)
	}
	if !strings.Contains(doc.Text, "APT29 Campaign") || !strings.Contains(doc.Text, "203.0.113.7") {
		t.Errorf("content lost: %q", doc.Text)
	}
	if doc.ContentHash == "" {
		t.Error("missing content hash")
	}
	if !doc.PublishedAt.Equal(raw.PublishedAt) {
		t.Errorf("PublishedAt = %v", doc.PublishedAt)
	}
}

func TestNormalizeSourceDomainLowercased(t *testing.T) {
	n := NewNormalizer()
	doc, err := n.Normalize(RawArticle{
		URL:  "https://Research.EXAMPLE.com/post",
		Body: "plain text report",
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.SourceDomain != "research.example.com" {
		t.Errorf("SourceDomain = %q", doc.SourceDomain)
	}
}

func TestNormalizeDefaultsIDAndTimestamp(t *testing.T) {
	n := NewNormalizer()
	before := time.Now().UTC()
	doc, err := n.Normalize(RawArticle{
		URL:  "https://research.example.com/post",
		Body: "plain text report",
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" {
		t.Error("missing generated ID")
	}
	if doc.PublishedAt.Before(before.Add(-time.Minute)) {
		t.Errorf("PublishedAt = %v", doc.PublishedAt)
	}
}

func TestNormalizeValidation(t *testing.T) {
	n := NewNormalizer()
	cases := []RawArticle{
		{URL: "https://a.example/post"},                     // empty body
		{Body: "text"},                                      // missing url
		{Body: "text", URL: "::bad url::"},                  // unparseable
		{Body: "text", URL: "/relative/only"},               // no hostname
		{Body: "<script>only()</script>", URL: "https://a.example/post"}, // nothing left
	}
	for i, raw := range cases {
		if _, err := n.Normalize(raw); !errors.Is(err, model.ErrValidation) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func TestNormalizeIdenticalTextSameHash(t *testing.T) {
	n := NewNormalizer()
	a, err := n.Normalize(RawArticle{URL: "https://a.example/1", Body: "<p>same body</p>"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(RawArticle{URL: "https://b.example/2", Body: "same    body"})
	if err != nil {
		t.Fatal(err)
	}
	// whitespace collapse makes the canonical text identical
	if a.ContentHash != b.ContentHash {
		t.Errorf("hashes differ: %q vs %q", a.ContentHash, b.ContentHash)
	}
}

func TestNormalizeCapsLength(t *testing.T) {
	n := NewNormalizer()
	doc, err := n.Normalize(RawArticle{
		URL:  "https://a.example/long",
		Body: strings.Repeat("word ", 40000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Text) > 100000 {
		t.Errorf("text length = %d", len(doc.Text))
	}
}

func TestNormalizeTruncationKeepsValidUTF8(t *testing.T) {
	n := NewNormalizer()
	// three-byte runes guarantee the byte cap falls mid-rune
	doc, err := n.Normalize(RawArticle{
		URL:  "https://a.example/long",
		Body: strings.Repeat("€", 40000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Text) > 100000 {
		t.Errorf("text length = %d", len(doc.Text))
	}
	if !utf8.ValidString(doc.Text) {
		t.Error("truncated text is not valid UTF-8")
	}
}
