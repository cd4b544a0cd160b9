package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"threatlens/internal/actor"
	"threatlens/internal/config"
	"threatlens/internal/guardrail"
	"threatlens/internal/model"
	"threatlens/internal/pipeline"
	"threatlens/internal/reasoning"
	"threatlens/internal/store"
	"threatlens/internal/taxonomy"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logging.NewLogger())
	log := slog.With("component", "ingestor")

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		log.Error("store open failed", "path", cfg.Store.DBPath, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	index, err := store.OpenSearchIndex(cfg.Store.IndexPath)
	if err != nil {
		log.Error("search index open failed", "path", cfg.Store.IndexPath, "err", err)
		os.Exit(1)
	}
	defer index.Close()

	rules, err := st.Rules()
	if err != nil {
		log.Error("loading guardrail rules failed", "err", err)
		os.Exit(1)
	}
	if len(rules) == 0 {
		rules = guardrail.DefaultRules()
	}
	gate, err := guardrail.NewGate(rules)
	if err != nil {
		log.Error("guardrail gate init failed", "err", err)
		os.Exit(1)
	}

	tax := taxonomy.NewResolver(taxonomy.BuiltinAttack())
	tax.Add(taxonomy.BuiltinAtlas()...)

	actors := actor.NewEngine()
	profiles, err := st.Profiles()
	if err != nil {
		log.Error("loading actor profiles failed", "err", err)
		os.Exit(1)
	}
	actors.Load(profiles)

	var adapter *reasoning.Adapter
	if cfg.Reasoning.Enabled {
		provider, err := reasoning.NewProvider(cfg.Reasoning.Provider)
		if err != nil {
			log.Error("reasoning provider init failed", "err", err)
			os.Exit(1)
		}
		adapter = reasoning.NewAdapter(provider, gate, tax, cfg.Reasoning.Adapter)
	}

	engine := pipeline.NewEngine(st, gate, tax, actors, pipeline.Options{
		SearchIndex: index,
		Adapter:     adapter,
		Workers:     cfg.Pipeline.Workers,
	})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       cfg.Kafka.Topic,
		GroupID:     cfg.Kafka.GroupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxAttempts: 10,
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	log.Info("consuming", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	consume(ctx, reader, engine, log)
	log.Info("stopped")
}

func consume(ctx context.Context, reader *kafka.Reader, engine *pipeline.Engine, log *slog.Logger) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("reading message failed", "err", err)
			continue
		}

		var doc model.NormalizedDocument
		if err := json.Unmarshal(m.Value, &doc); err != nil {
			log.Warn("unparseable message skipped", "offset", m.Offset, "err", err)
			continue
		}

		res, err := engine.Extract(ctx, &doc)
		if err != nil {
			// only validation is fatal per document; log and move on
			log.Warn("extraction failed", "doc", doc.ID, "offset", m.Offset, "err", err)
			continue
		}
		log.Info("processed document",
			"doc", doc.ID,
			"indicators", len(res.Indicators),
			"ttps", len(res.TTPMentions),
			"actors", len(res.ActorMentions))
	}
}
