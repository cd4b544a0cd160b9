// Command search queries the full-text index from the command line. Useful
// for poking at a corpus without standing up the API server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"threatlens/internal/config"
	"threatlens/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	query := flag.String("query", "", "match query to run against the index")
	size := flag.Int("size", 10, "maximum hits to return")
	count := flag.Bool("count", false, "print the corpus document count and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	index, err := store.OpenSearchIndex(cfg.Store.IndexPath)
	if err != nil {
		slog.Error("open search index", "path", cfg.Store.IndexPath, "err", err)
		os.Exit(1)
	}
	defer index.Close()

	if *count {
		st, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			slog.Error("open store", "path", cfg.Store.DBPath, "err", err)
			os.Exit(1)
		}
		defer st.Close()
		stats, err := st.GetStats()
		if err != nil {
			slog.Error("read stats", "err", err)
			os.Exit(1)
		}
		fmt.Printf("documents: %d\nindicators: %d\nactors: %d\nttp mentions: %d\n",
			stats.Documents, stats.Indicators, stats.Actors, stats.TTPMentions)
		return
	}

	if *query == "" {
		fmt.Fprintln(os.Stderr, "usage: search -query <terms> [-size N]")
		os.Exit(2)
	}

	hits, total, err := index.Search(*query, *size)
	if err != nil {
		slog.Error("search failed", "err", err)
		os.Exit(1)
	}

	fmt.Printf("%d hits (showing %d)\n", total, len(hits))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, hit := range hits {
		if err := enc.Encode(hit); err != nil {
			slog.Error("encode hit", "err", err)
			os.Exit(1)
		}
	}
}
