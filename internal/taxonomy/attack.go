package taxonomy

import (
	"encoding/json"
	"fmt"
	"os"

	"threatlens/internal/model"
)

// STIX bundle shapes for the MITRE enterprise-attack.json dataset. Only
// attack-pattern objects with a mitre-attack external ID are consumed.
type attackBundle struct {
	Objects []attackObject `json:"objects"`
}

type attackObject struct {
	Type               string              `json:"type"`
	Name               string              `json:"name"`
	KillChainPhases    []killChainPhase    `json:"kill_chain_phases"`
	ExternalReferences []externalReference `json:"external_references"`
}

type killChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type externalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
}

// LoadAttackBundle reads a MITRE ATT&CK STIX bundle file and returns its
// techniques. Objects without a standard technique ID are skipped.
func LoadAttackBundle(path string) ([]Technique, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read MITRE bundle: %w", err)
	}

	var bundle attackBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MITRE bundle: %w", err)
	}

	var techniques []Technique
	for _, obj := range bundle.Objects {
		if obj.Type != "attack-pattern" {
			continue
		}
		var id string
		for _, ref := range obj.ExternalReferences {
			if ref.SourceName == "mitre-attack" {
				id = ref.ExternalID
				break
			}
		}
		if id == "" {
			continue
		}
		var tactics []string
		for _, phase := range obj.KillChainPhases {
			if phase.KillChainName == "mitre-attack" {
				tactics = append(tactics, phase.PhaseName)
			}
		}
		techniques = append(techniques, Technique{
			ID:        id,
			Name:      obj.Name,
			Tactics:   tactics,
			Framework: model.FrameworkAttack,
		})
	}
	return techniques, nil
}

// BuiltinAttack is the fallback ATT&CK table used when no bundle file is
// configured. Covers the techniques most common in public CTI reporting.
func BuiltinAttack() []Technique {
	return []Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}, Framework: model.FrameworkAttack},
		{ID: "T1021", Name: "Remote Services", Tactics: []string{"lateral-movement"}, Framework: model.FrameworkAttack},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}, Framework: model.FrameworkAttack},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}, Framework: model.FrameworkAttack},
		{ID: "T1047", Name: "Windows Management Instrumentation", Tactics: []string{"execution"}, Framework: model.FrameworkAttack},
		{ID: "T1055", Name: "Process Injection", Tactics: []string{"defense-evasion", "privilege-escalation"}, Framework: model.FrameworkAttack},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}, Framework: model.FrameworkAttack},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}, Framework: model.FrameworkAttack},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"defense-evasion", "persistence", "privilege-escalation", "initial-access"}, Framework: model.FrameworkAttack},
		{ID: "T1105", Name: "Ingress Tool Transfer", Tactics: []string{"command-and-control"}, Framework: model.FrameworkAttack},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"impact"}, Framework: model.FrameworkAttack},
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}, Framework: model.FrameworkAttack},
		{ID: "T1566.001", Name: "Spearphishing Attachment", Tactics: []string{"initial-access"}, Framework: model.FrameworkAttack},
	}
}

// BuiltinAtlas is the MITRE ATLAS table. ATLAS has no STIX distribution in
// this pipeline, so the table ships with the binary.
func BuiltinAtlas() []Technique {
	return []Technique{
		{ID: "AML.T0025", Name: "Exfiltration via ML Inference API", Tactics: []string{"exfiltration"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0040", Name: "ML Model Inference API Access", Tactics: []string{"ml-model-access"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0043", Name: "Craft Adversarial Data", Tactics: []string{"ml-attack-staging"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0048", Name: "External Harms", Tactics: []string{"impact"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0051", Name: "LLM Prompt Injection", Tactics: []string{"initial-access", "defense-evasion"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0054", Name: "LLM Jailbreak", Tactics: []string{"defense-evasion", "privilege-escalation"}, Framework: model.FrameworkAtlas},
		{ID: "AML.T0056", Name: "LLM Meta Prompt Extraction", Tactics: []string{"exfiltration"}, Framework: model.FrameworkAtlas},
	}
}
