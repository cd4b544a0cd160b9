// Command producer normalizes a directory of raw article files and publishes
// the resulting documents to the extraction topic. It is the batch companion
// to the ingestor: point it at a dump of fetched reports and let the workers
// drain the topic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"threatlens/internal/config"
	"threatlens/internal/normalize"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dir := flag.String("dir", "articles", "directory of raw article JSON files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := cfg.Logging.NewLogger().With("component", "producer")

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	defer writer.Close()

	published, failed := publishDirectory(log, writer, *dir)
	log.Info("done", "published", published, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func publishDirectory(log *slog.Logger, writer *kafka.Writer, dir string) (published, failed int) {
	normalizer := normalize.NewNormalizer()

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error("read article directory", "dir", dir, "err", err)
		return 0, 1
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("read article", "path", path, "err", err)
			failed++
			continue
		}

		var raw normalize.RawArticle
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Warn("parse article", "path", path, "err", err)
			failed++
			continue
		}

		doc, err := normalizer.Normalize(raw)
		if err != nil {
			log.Warn("normalize article", "path", path, "err", err)
			failed++
			continue
		}

		payload, err := json.Marshal(doc)
		if err != nil {
			log.Warn("marshal document", "doc", doc.ID, "err", err)
			failed++
			continue
		}
		msg := kafka.Message{Key: []byte(doc.ID), Value: payload}
		if err := writer.WriteMessages(context.Background(), msg); err != nil {
			log.Warn("publish document", "doc", doc.ID, "err", err)
			failed++
			continue
		}
		published++
	}
	return published, failed
}
