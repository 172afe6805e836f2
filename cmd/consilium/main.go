// Command consilium runs the specialist interconsultation orchestrator from
// the command line: start a consultation from a case file, resume a parked
// one with supplied information, index documents into the local store, and
// inspect parked consultations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consilium/pkg/config"
	"consilium/pkg/coordinator"
	"consilium/pkg/engine"
	"consilium/pkg/eventlog"
	"consilium/pkg/evidence"
	"consilium/pkg/knowledge"
	"consilium/pkg/llm"
	"consilium/pkg/logx"
	"consilium/pkg/metrics"
	"consilium/pkg/notes"
	"consilium/pkg/persistence"
	"consilium/pkg/proto"
	"consilium/pkg/pubmed"
	"consilium/pkg/specialist"
	"consilium/pkg/translate"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "resume":
		err = cmdResume(ctx, os.Args[2:])
	case "index":
		err = cmdIndex(ctx, os.Args[2:])
	case "list":
		err = cmdList(ctx, os.Args[2:])
	case "stats":
		err = cmdStats(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: consilium <command> [flags]

Commands:
  run     Start a consultation from a case file
  resume  Supply information to a parked consultation
  index   Index documents into a specialty collection
  list    List consultations awaiting information
  stats   Query specialist metrics from Prometheus

Run 'consilium <command> -h' for command flags.
`)
}

// caseFile is the JSON input for the run command.
type caseFile struct {
	Question string         `json:"question"`
	Context  map[string]any `json:"context"`
}

// documentFile is one entry of the JSON input for the index command.
type documentFile struct {
	Label       string    `json:"label"`
	Snippet     string    `json:"snippet"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

func cmdRun(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Config file path")
	casePath := flags.String("case", "", "Case file path (JSON with question and context)")
	id := flags.String("id", "", "Consultation id (default: generated)")
	transcript := flags.Bool("transcript", false, "Print the full transcript instead of the record JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *casePath == "" {
		return fmt.Errorf("run requires -case")
	}

	raw, err := os.ReadFile(*casePath)
	if err != nil {
		return fmt.Errorf("failed to read case file: %w", err)
	}
	var input caseFile
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to parse case file: %w", err)
	}
	if input.Question == "" {
		return fmt.Errorf("case file has no question")
	}
	if *id == "" {
		*id = uuid.New().String()
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	state, err := rt.engine.StartConsultation(ctx, *id, input.Question, input.Context)
	if err != nil {
		return err
	}
	return printOutcome(state.ID, state, *transcript)
}

func cmdResume(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Config file path")
	id := flags.String("id", "", "Consultation id to resume")
	infoPath := flags.String("info", "", "JSON file with the supplied information fields")
	transcript := flags.Bool("transcript", false, "Print the full transcript instead of the record JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *id == "" || *infoPath == "" {
		return fmt.Errorf("resume requires -id and -info")
	}

	raw, err := os.ReadFile(*infoPath)
	if err != nil {
		return fmt.Errorf("failed to read info file: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to parse info file: %w", err)
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	state, err := rt.engine.SupplyInformation(ctx, *id, fields)
	if err != nil {
		return err
	}
	return printOutcome(state.ID, state, *transcript)
}

func cmdIndex(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Config file path")
	collection := flags.String("collection", "", "Target document collection")
	docsPath := flags.String("docs", "", "JSON file with an array of documents")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *docsPath == "" {
		return fmt.Errorf("index requires -collection and -docs")
	}

	raw, err := os.ReadFile(*docsPath)
	if err != nil {
		return fmt.Errorf("failed to read docs file: %w", err)
	}
	var docs []documentFile
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("failed to parse docs file: %w", err)
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	for _, doc := range docs {
		if doc.Label == "" || doc.Snippet == "" {
			return fmt.Errorf("document needs both label and snippet")
		}
		if err := rt.knowledge.Index(ctx, *collection, doc.Label, doc.Snippet, doc.PublishedAt); err != nil {
			return err
		}
	}
	fmt.Printf("indexed %d documents into %s\n", len(docs), *collection)
	return nil
}

func cmdList(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Config file path")
	if err := flags.Parse(args); err != nil {
		return err
	}

	rt, err := buildRuntime(*configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	ids, err := rt.store.ListByPhase(ctx, proto.PhaseAwaitingInformation)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no consultations awaiting information")
		return nil
	}
	for _, id := range ids {
		state, err := rt.store.Load(ctx, id)
		if err != nil {
			return err
		}
		var questions []string
		for _, note := range state.Responses {
			if note.NeedsMoreInfo && !note.Synthetic {
				questions = append(questions, note.FollowUpQuestions...)
			}
		}
		fmt.Printf("%s  loops=%d  %s\n", id, state.InfoLoops, state.Question)
		for _, q := range questions {
			fmt.Printf("    needs: %s\n", q)
		}
	}
	return nil
}

func cmdStats(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := flags.String("config", "config.yaml", "Config file path")
	specialty := flags.String("specialty", "", "Specialty to report on")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *specialty == "" {
		return fmt.Errorf("stats requires -specialty")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Metrics.PrometheusURL == "" {
		return fmt.Errorf("metrics.prometheus_url is not configured")
	}

	query, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return err
	}
	stats, err := query.GetSpecialtyMetrics(ctx, *specialty)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runtime bundles everything a command needs, built once from config.
type runtime struct {
	engine    *engine.Engine
	store     *persistence.Store
	knowledge *knowledge.Store
	closers   []func() error
	logger    *logx.Logger
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("shutdown: %v", err)
		}
	}
}

func buildRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	rt := &runtime{logger: logx.NewLogger("consilium")}

	db, err := persistence.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, db.Close)
	rt.store = persistence.NewStore(db)

	events, err := eventlog.NewWriter(cfg.Storage.EventLogDir)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, events.Close)

	coordClient, err := llm.NewCoordinatorClient(&cfg.LLM)
	if err != nil {
		rt.close()
		return nil, err
	}
	specClient, err := llm.NewSpecialistClient(&cfg.LLM)
	if err != nil {
		rt.close()
		return nil, err
	}

	embedder := knowledge.NewOpenAIEmbedder(cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	rt.knowledge = knowledge.NewStore(db, embedder)

	literature := pubmed.NewCachedClient(pubmed.NewClient(&cfg.Literature), db, cfg.Literature.CacheTTL)
	retriever := evidence.NewRetriever(rt.knowledge, literature, &cfg.Retrieval)

	translator := translate.New(coordClient)
	registry := specialist.NewRegistry(cfg.Specialists, specClient, translator, retriever)
	coord := coordinator.New(coordClient, registry.Specialties())

	rt.engine = engine.New(coord, registry, rt.store, events, engine.Options{
		SpecialistTimeout:   cfg.Engine.SpecialistTimeout,
		MaxInformationLoops: cfg.Engine.MaxInformationLoops,
	})

	if cfg.Metrics.ListenAddr != "" {
		serveMetrics(cfg.Metrics.ListenAddr, rt.logger)
	}
	return rt, nil
}

// serveMetrics exposes the Prometheus registry for scraping while a command
// runs. Best effort: a bind failure logs and moves on.
func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener: %v", err)
		}
	}()
	logger.Info("metrics exposed on %s/metrics", addr)
}

func printOutcome(id string, state *proto.ConsultationState, transcript bool) error {
	if transcript {
		fmt.Println(notes.Transcript(state))
		return nil
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render consultation %s: %w", id, err)
	}
	fmt.Println(string(out))
	return nil
}
