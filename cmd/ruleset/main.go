package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"threatlens/internal/guardrail"
	"threatlens/internal/model"
	"threatlens/internal/store"
)

// ruleset manages the persisted guardrail rules: export them to JSON for
// editing, import an edited set back, or seed the built-in defaults.
func main() {
	dbPath := flag.String("db", "threatlens.db", "path to the bolt database")
	export := flag.String("export", "", "write the persisted ruleset to this JSON file")
	importPath := flag.String("import", "", "replace the persisted ruleset from this JSON file")
	seed := flag.Bool("seed", false, "persist the built-in default ruleset")
	flag.Parse()

	if *export == "" && *importPath == "" && !*seed {
		fmt.Fprintln(os.Stderr, "usage: ruleset -db threatlens.db [-export rules.json | -import rules.json | -seed]")
		os.Exit(2)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("store open failed", "path", *dbPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	switch {
	case *seed:
		rules := guardrail.DefaultRules()
		if err := st.ReplaceRules(rules); err != nil {
			slog.Error("seeding rules failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("seeded %d default rules\n", len(rules))

	case *export != "":
		rules, err := st.Rules()
		if err != nil {
			slog.Error("listing rules failed", "err", err)
			os.Exit(1)
		}
		data, err := json.MarshalIndent(rules, "", "  ")
		if err != nil {
			slog.Error("encoding rules failed", "err", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*export, data, 0644); err != nil {
			slog.Error("writing export failed", "path", *export, "err", err)
			os.Exit(1)
		}
		fmt.Printf("exported %d rules to %s\n", len(rules), *export)

	case *importPath != "":
		data, err := os.ReadFile(*importPath)
		if err != nil {
			slog.Error("reading import failed", "path", *importPath, "err", err)
			os.Exit(1)
		}
		var rules []model.GuardrailRule
		if err := json.Unmarshal(data, &rules); err != nil {
			slog.Error("parsing import failed", "err", err)
			os.Exit(1)
		}
		// compile before persisting so a bad pattern never lands in the store
		if _, err := guardrail.NewGate(rules); err != nil {
			slog.Error("ruleset rejected", "err", err)
			os.Exit(1)
		}
		if err := st.ReplaceRules(rules); err != nil {
			slog.Error("importing rules failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("imported %d rules from %s\n", len(rules), *importPath)
	}
}
