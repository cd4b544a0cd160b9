package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"threatlens/internal/actor"
	"threatlens/internal/config"
	"threatlens/internal/guardrail"
	"threatlens/internal/model"
	"threatlens/internal/normalize"
	"threatlens/internal/pipeline"
	"threatlens/internal/reasoning"
	"threatlens/internal/store"
	"threatlens/internal/taxonomy"
)

type server struct {
	engine     *pipeline.Engine
	store      *store.Store
	index      *store.SearchIndex
	normalizer *normalize.Normalizer
	actors     *actor.Engine
	log        *slog.Logger
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	attackBundle := flag.String("attack-bundle", "", "path to MITRE enterprise-attack STIX bundle (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logging.NewLogger())
	log := slog.With("component", "api")

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
		if err := st.ReplaceRules(rules); err != nil {
			log.Error("seeding default guardrail rules failed", "err", err)
			os.Exit(1)
		}
		log.Info("seeded default guardrail ruleset", "rules", len(rules))
	}
	gate, err := guardrail.NewGate(rules)
	if err != nil {
		log.Error("guardrail gate init failed", "err", err)
		os.Exit(1)
	}

	tax := taxonomy.NewResolver(taxonomy.BuiltinAttack())
	tax.Add(taxonomy.BuiltinAtlas()...)
	if *attackBundle != "" {
		techniques, err := taxonomy.LoadAttackBundle(*attackBundle)
		if err != nil {
			log.Error("attack bundle load failed", "path", *attackBundle, "err", err)
			os.Exit(1)
		}
		tax.Add(techniques...)
		log.Info("loaded attack bundle", "techniques", len(techniques))
	}

	actors := actor.NewEngine()
	profiles, err := st.Profiles()
	if err != nil {
		log.Error("loading actor profiles failed", "err", err)
		os.Exit(1)
	}
	actors.Load(profiles)
	log.Info("actor profiles loaded", "count", len(profiles))

	var adapter *reasoning.Adapter
	if cfg.Reasoning.Enabled {
		provider, err := reasoning.NewProvider(cfg.Reasoning.Provider)
		if err != nil {
			log.Error("reasoning provider init failed", "err", err)
			os.Exit(1)
		}
		adapter = reasoning.NewAdapter(provider, gate, tax, cfg.Reasoning.Adapter)
		log.Info("reasoning enabled", "provider", provider.Name())
	}

	engine := pipeline.NewEngine(st, gate, tax, actors, pipeline.Options{
		SearchIndex: index,
		Adapter:     adapter,
		Workers:     cfg.Pipeline.Workers,
	})

	srv := &server{
		engine:     engine,
		store:      st,
		index:      index,
		normalizer: normalize.NewNormalizer(),
		actors:     actors,
		log:        log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/extract", srv.handleExtract).Methods(http.MethodPost)
	api.HandleFunc("/correlate", srv.handleCorrelate).Methods(http.MethodPost)
	api.HandleFunc("/actors", srv.handleListActors).Methods(http.MethodGet)
	api.HandleFunc("/actors/{name}", srv.handleGetActor).Methods(http.MethodGet)
	api.HandleFunc("/actors/{name}/enrich", srv.handleEnrichActor).Methods(http.MethodPost)
	api.HandleFunc("/rules", srv.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", srv.handleImportRules).Methods(http.MethodPut)
	api.HandleFunc("/indicators/review", srv.handleReview).Methods(http.MethodPost)
	api.HandleFunc("/search", srv.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		log.Info("listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	log.Info("stopped")
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// extractRequest accepts either an already normalized document or a raw
// article body to normalize first.
type extractRequest struct {
	Document *model.NormalizedDocument `json:"document,omitempty"`
	Raw      *normalize.RawArticle     `json:"raw,omitempty"`
}

func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc := req.Document
	if doc == nil {
		if req.Raw == nil {
			writeError(w, http.StatusBadRequest, "either document or raw is required")
			return
		}
		var err error
		doc, err = s.normalizer.Normalize(*req.Raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := s.engine.Extract(r.Context(), doc)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("extraction failed", "doc", doc.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "extraction failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type correlateRequest struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (s *server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	set, err := s.engine.Correlate(r.Context(), req.WindowStart, req.WindowEnd)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("correlation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "correlation failed")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *server) handleListActors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actors.Profiles())
}

func (s *server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p := s.actors.Profile(name)
	if p == nil {
		writeError(w, http.StatusNotFound, "unknown actor")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleEnrichActor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	delta, err := s.engine.EnrichActor(r.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown actor")
		case errors.Is(err, model.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("enrichment failed", "actor", name, "err", err)
			writeError(w, http.StatusInternalServerError, "enrichment failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.Rules()
	if err != nil {
		s.log.Error("listing rules failed", "err", err)
		writeError(w, http.StatusInternalServerError, "listing rules failed")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleImportRules replaces the persisted ruleset. The running gate keeps
// its compiled rules; a restart picks the new set up.
func (s *server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	var rules []model.GuardrailRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := guardrail.NewGate(rules); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.ReplaceRules(rules); err != nil {
		s.log.Error("rule import failed", "err", err)
		writeError(w, http.StatusInternalServerError, "rule import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(rules)})
}

type reviewRequest struct {
	DocumentID    string              `json:"document_id"`
	Type          model.IndicatorType `json:"type"`
	Value         string              `json:"value"`
	Reviewed      bool                `json:"reviewed"`
	FalsePositive bool                `json:"false_positive"`
}

func (s *server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.store.SetReviewFlags(req.DocumentID, req.Type, req.Value, req.Reviewed, req.FalsePositive)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown indicator")
			return
		}
		s.log.Error("review update failed", "err", err)
		writeError(w, http.StatusInternalServerError, "review update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	queryStr := r.URL.Query().Get("query")
	if queryStr == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'query' is required")
		return
	}
	size := 10
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			size = n
		}
	}
	hits, total, err := s.index.Search(queryStr, size)
	if err != nil {
		s.log.Error("search failed", "query", queryStr, "err", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "hits": hits})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.log.Error("stats failed", "err", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
