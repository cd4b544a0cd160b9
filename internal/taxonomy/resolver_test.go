package taxonomy

import (
	"testing"

	"threatlens/internal/model"
)

func newTestResolver() *Resolver {
	r := NewResolver(BuiltinAttack())
	r.Add(BuiltinAtlas()...)
	return r
}

func TestResolveByIDAndName(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		raw    string
		fw     model.Framework
		wantID string
		ok     bool
	}{
		{"T1059", model.FrameworkAttack, "T1059", true},
		{"t1059", model.FrameworkAttack, "T1059", true},
		{"Command and Scripting Interpreter", model.FrameworkAttack, "T1059", true},
		{"command and scripting interpreter", model.FrameworkAttack, "T1059", true},
		{"T1566.001", model.FrameworkAttack, "T1566.001", true},
		{"AML.T0051", model.FrameworkAtlas, "AML.T0051", true},
		{"llm prompt injection", model.FrameworkAtlas, "AML.T0051", true},
		{"T9999", model.FrameworkAttack, "", false},
	}
	for _, tc := range tests {
		got, ok := r.Resolve(tc.raw, tc.fw)
		if ok != tc.ok {
			t.Errorf("Resolve(%q, %s): ok=%v, want %v", tc.raw, tc.fw, ok, tc.ok)
			continue
		}
		if ok && got.ID != tc.wantID {
			t.Errorf("Resolve(%q, %s) = %s, want %s", tc.raw, tc.fw, got.ID, tc.wantID)
		}
	}
}

// ATT&CK and ATLAS namespaces never cross-assign, even for the same string.
func TestDisjointNamespaces(t *testing.T) {
	r := newTestResolver()

	if _, ok := r.Resolve("AML.T0051", model.FrameworkAttack); ok {
		t.Error("ATLAS ID resolved in ATT&CK namespace")
	}
	if _, ok := r.Resolve("T1059", model.FrameworkAtlas); ok {
		t.Error("ATT&CK ID resolved in ATLAS namespace")
	}
}

func TestFrameworkOf(t *testing.T) {
	if fw := FrameworkOf("AML.T0051"); fw != model.FrameworkAtlas {
		t.Errorf("AML.T0051 -> %s", fw)
	}
	if fw := FrameworkOf("T1059"); fw != model.FrameworkAttack {
		t.Errorf("T1059 -> %s", fw)
	}
}

func TestScanMentions(t *testing.T) {
	r := newTestResolver()
	text := `The actor used T1059 scripts and spearphishing (T1566.001). The
model-facing stage relied on AML.T0051 and an unknown T8888 variant. They
also performed process injection to stay resident.`

	mentions := r.ScanMentions(text)

	byRaw := make(map[string]model.TTPMention)
	for _, m := range mentions {
		byRaw[m.RawText] = m
	}

	if m, ok := byRaw["T1059"]; !ok || m.ResolvedID != "T1059" || m.Framework != model.FrameworkAttack {
		t.Errorf("T1059 mention wrong: %+v", m)
	}
	if m, ok := byRaw["T1566.001"]; !ok || m.ResolvedID != "T1566.001" {
		t.Errorf("sub-technique mention wrong: %+v", m)
	}
	if m, ok := byRaw["AML.T0051"]; !ok || m.ResolvedID != "AML.T0051" || m.Framework != model.FrameworkAtlas {
		t.Errorf("ATLAS mention wrong: %+v", m)
	}
	// unresolved IDs are retained with an empty resolved ID
	if m, ok := byRaw["T8888"]; !ok {
		t.Error("unresolved mention dropped")
	} else if m.ResolvedID != "" {
		t.Errorf("unknown ID resolved to %s", m.ResolvedID)
	}
	// name scan catches techniques mentioned without their ID
	if m, ok := byRaw["Process Injection"]; !ok || m.ResolvedID != "T1055" {
		t.Errorf("name mention wrong: %+v", m)
	}
	// the AML.T0051 tail must not re-match as a bare ATT&CK T0051
	for _, m := range mentions {
		if m.RawText == "T0051" {
			t.Error("ATLAS ID tail re-matched as ATT&CK ID")
		}
	}
}

func TestKnownID(t *testing.T) {
	r := newTestResolver()
	for id, want := range map[string]bool{
		"T1059": true, "t1059": true, "AML.T0051": true, "T9999": false, "": false,
	} {
		if got := r.KnownID(id); got != want {
			t.Errorf("KnownID(%q) = %v, want %v", id, got, want)
		}
	}
}

// A technique valid under several tactics appears once in the table but
// under every tactic in the indexed view.
func TestTacticViewMultiTactic(t *testing.T) {
	r := newTestResolver()
	view := r.TacticView([]string{"T1078", "T1059"})

	for _, tactic := range []string{"defense-evasion", "persistence", "privilege-escalation", "initial-access"} {
		found := false
		for _, tech := range view[tactic] {
			if tech.ID == "T1078" {
				found = true
			}
		}
		if !found {
			t.Errorf("T1078 missing under %s", tactic)
		}
	}
	if len(view["execution"]) != 1 || view["execution"][0].ID != "T1059" {
		t.Errorf("execution view wrong: %+v", view["execution"])
	}

	total := 0
	for _, techniques := range view {
		for _, tech := range techniques {
			if tech.ID == "T1078" {
				total++
			}
		}
	}
	if total != 4 {
		t.Errorf("T1078 appears %d times across tactics, want 4", total)
	}
}

func TestLoadAttackBundle(t *testing.T) {
	path := writeBundleFixture(t)
	techniques, err := LoadAttackBundle(path)
	if err != nil {
		t.Fatalf("LoadAttackBundle: %v", err)
	}
	if len(techniques) != 1 {
		t.Fatalf("expected 1 technique, got %d", len(techniques))
	}
	got := techniques[0]
	if got.ID != "T1547" || got.Name != "Boot or Logon Autostart Execution" {
		t.Errorf("unexpected technique %+v", got)
	}
	if len(got.Tactics) != 2 {
		t.Errorf("tactics = %v", got.Tactics)
	}
}
