package extract

import (
	"strings"
	"testing"
	"unicode/utf8"

	"threatlens/internal/model"
)

func docFrom(text, domain string) *model.NormalizedDocument {
	return &model.NormalizedDocument{
		ID:           "doc-1",
		Text:         text,
		SourceDomain: domain,
	}
}

func indicatorsOfType(inds []model.ExtractedIndicator, typ model.IndicatorType) []string {
	var out []string
	for _, i := range inds {
		if i.Type == typ {
			out = append(out, i.Value)
		}
	}
	return out
}

func TestExtractCoreTypes(t *testing.T) {
	text := `The dropper at hxxp://malware-delivery[.]net/payload.exe beacons to
198.51.100.23 and 2001:db8::dead:beef. MD5 d41d8cd98f00b204e9800998ecf8427e,
SHA256 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855.
Contact ops@badguys-mail.com. Exploits CVE-2024-3094. Persists via
HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Windows\CurrentVersion\Run\updater
and drops C:\Users\Public\svchost.exe plus /tmp/.hidden/loader.`

	doc := docFrom(text, "bleepingcomputer.com")
	pe := NewPatternExtractor()
	inds := pe.Extract(doc)

	tests := []struct {
		typ  model.IndicatorType
		want string
	}{
		{model.IndicatorIPv4, "198.51.100.23"},
		{model.IndicatorIPv6, "2001:db8::dead:beef"},
		{model.IndicatorURL, "http://malware-delivery.net/payload.exe"},
		{model.IndicatorMD5, "d41d8cd98f00b204e9800998ecf8427e"},
		{model.IndicatorSHA256, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{model.IndicatorEmail, "ops@badguys-mail.com"},
		{model.IndicatorCVE, "CVE-2024-3094"},
	}
	for _, tc := range tests {
		values := indicatorsOfType(inds, tc.typ)
		found := false
		for _, v := range values {
			if v == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: want %q in %v", tc.typ, tc.want, values)
		}
	}

	if got := indicatorsOfType(inds, model.IndicatorRegistryKey); len(got) != 1 {
		t.Errorf("registry keys: %v", got)
	}
	if got := indicatorsOfType(inds, model.IndicatorFilePath); len(got) < 2 {
		t.Errorf("file paths: %v", got)
	}
	for _, ind := range inds {
		if ind.Confidence != PatternConfidence {
			t.Errorf("indicator %s has confidence %d", ind.Value, ind.Confidence)
		}
		if ind.ExtractedBy != model.ExtractedByPattern {
			t.Errorf("indicator %s has method %s", ind.Value, ind.ExtractedBy)
		}
		if ind.EvidenceSpan == "" {
			t.Errorf("indicator %s missing evidence span", ind.Value)
		}
	}
}

func TestSelfDomainFiltered(t *testing.T) {
	text := `Read more at bleepingcomputer.com and www.bleepingcomputer.com.
The C2 was evil-infra.biz. Mail went to tips@bleepingcomputer.com.`
	doc := docFrom(text, "bleepingcomputer.com")
	inds := NewPatternExtractor().Extract(doc)

	domains := indicatorsOfType(inds, model.IndicatorDomain)
	for _, d := range domains {
		if strings.Contains(d, "bleepingcomputer") {
			t.Errorf("self domain leaked: %s", d)
		}
	}
	if len(domains) != 1 || domains[0] != "evil-infra.biz" {
		t.Errorf("want only evil-infra.biz, got %v", domains)
	}
	if emails := indicatorsOfType(inds, model.IndicatorEmail); len(emails) != 0 {
		t.Errorf("self-domain email leaked: %v", emails)
	}
}

func TestDedupWithinDocument(t *testing.T) {
	text := "Seen 203.0.113.7 then again 203.0.113.7 and once more 203.0.113.7."
	inds := NewPatternExtractor().Extract(docFrom(text, "example.org"))
	if got := indicatorsOfType(inds, model.IndicatorIPv4); len(got) != 1 {
		t.Fatalf("expected 1 deduplicated IPv4, got %v", got)
	}
}

func TestInvalidShapesRejected(t *testing.T) {
	text := `Version 300.1.2.3 is not an address. Loopback
127.0.0.1 and private 10.0.0.8 are noise. CVE-1998-0001 predates the
program. The file update.exe is not a domain.`
	inds := NewPatternExtractor().Extract(docFrom(text, "example.org"))

	if got := indicatorsOfType(inds, model.IndicatorIPv4); len(got) != 0 {
		t.Errorf("invalid/reserved IPv4 leaked: %v", got)
	}
	if got := indicatorsOfType(inds, model.IndicatorCVE); len(got) != 0 {
		t.Errorf("pre-1999 CVE leaked: %v", got)
	}
	for _, d := range indicatorsOfType(inds, model.IndicatorDomain) {
		if d == "update.exe" {
			t.Errorf("filename extracted as domain: %s", d)
		}
	}
}

func TestMalformedTextNeverPanics(t *testing.T) {
	pe := NewPatternExtractor()
	for _, text := range []string{"", "\x00\xff\xfe", strings.Repeat(".", 5000), "((((", "\u202e\u200b"} {
		pe.Extract(docFrom(text, "example.org")) // must not panic
	}
}

func TestEvidenceSpanValidUTF8(t *testing.T) {
	pe := NewPatternExtractor()
	// multi-byte runes placed so the fixed context window lands mid-rune
	pad := strings.Repeat("é", 60)
	text := pad + " 203.0.113.7 " + pad
	inds := pe.Extract(docFrom(text, "example.org"))
	if len(inds) == 0 {
		t.Fatal("no indicators extracted")
	}
	for _, ind := range inds {
		if !utf8.ValidString(ind.EvidenceSpan) {
			t.Errorf("evidence span for %s is not valid UTF-8: %q", ind.Value, ind.EvidenceSpan)
		}
	}
}

func TestRefang(t *testing.T) {
	got := Refang("hxxps://bad[.]site[.]net and 192[.]0[.]2[.]10 via a[@]b")
	want := "https://bad.site.net and 192.0.2.10 via a@b"
	if got != want {
		t.Errorf("Refang = %q, want %q", got, want)
	}
}

func TestActorNames(t *testing.T) {
	text := `Researchers attribute the intrusion to APT29, with overlaps to
Cozy Bear tooling. A separate cluster tracked as FIN7 reused the loader.`
	names := NewPatternExtractor().ActorNames(docFrom(text, "example.org"))

	want := map[string]bool{"APT29": false, "Cozy Bear": false, "FIN7": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("actor %s not found in %v", n, names)
		}
	}
}

func TestValidValue(t *testing.T) {
	tests := []struct {
		typ   model.IndicatorType
		value string
		want  bool
	}{
		{model.IndicatorIPv4, "198.51.100.23", true},
		{model.IndicatorIPv4, "300.1.2.3", false},
		{model.IndicatorSHA256, strings.Repeat("ab", 32), true},
		{model.IndicatorSHA256, "zz", false},
		{model.IndicatorCVE, "CVE-2023-12345", true},
		{model.IndicatorCVE, "CVE-1990-0001", false},
		{model.IndicatorDomain, "evil-infra.biz", true},
		{model.IndicatorDomain, "not a domain", false},
	}
	for _, tc := range tests {
		if got := ValidValue(tc.typ, tc.value); got != tc.want {
			t.Errorf("ValidValue(%s, %q) = %v, want %v", tc.typ, tc.value, got, tc.want)
		}
	}
}
