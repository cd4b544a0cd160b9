package taxonomy

import (
	"os"
	"path/filepath"
	"testing"
)

const bundleFixture = `{
  "type": "bundle",
  "objects": [
    {
      "type": "attack-pattern",
      "name": "Boot or Logon Autostart Execution",
      "kill_chain_phases": [
        {"kill_chain_name": "mitre-attack", "phase_name": "persistence"},
        {"kill_chain_name": "mitre-attack", "phase_name": "privilege-escalation"}
      ],
      "external_references": [
        {"source_name": "mitre-attack", "external_id": "T1547"}
      ]
    },
    {
      "type": "intrusion-set",
      "name": "Should Be Skipped",
      "external_references": [
        {"source_name": "mitre-attack", "external_id": "G0016"}
      ]
    },
    {
      "type": "attack-pattern",
      "name": "No External ID",
      "external_references": [
        {"source_name": "capec", "external_id": "CAPEC-1"}
      ]
    }
  ]
}`

func writeBundleFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enterprise-attack.json")
	if err := os.WriteFile(path, []byte(bundleFixture), 0644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadAttackBundleMissingFile(t *testing.T) {
	if _, err := LoadAttackBundle(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing bundle")
	}
}
