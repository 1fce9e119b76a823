// Command depovox turns voice-dictated drug deposit movements into reviewed
// inventory ledger entries.
//
// Subcommands mirror the pipeline stages: transcribe, extract, import, run
// (everything on one recording), batch (a whole directory), plus init-db,
// drugs and history for working with the ledger itself.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/config"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
	"github.com/jmtavares/depovox/internal/observe"
	"github.com/jmtavares/depovox/internal/pipeline"
	"github.com/jmtavares/depovox/internal/reconcile"
	"github.com/jmtavares/depovox/internal/resilience"
	"github.com/jmtavares/depovox/internal/review"
	"github.com/jmtavares/depovox/internal/transcript"
	"github.com/jmtavares/depovox/pkg/provider/llm"
	"github.com/jmtavares/depovox/pkg/provider/llm/anyllm"
	oaillm "github.com/jmtavares/depovox/pkg/provider/llm/openai"
	"github.com/jmtavares/depovox/pkg/provider/stt"
	"github.com/jmtavares/depovox/pkg/provider/stt/whisper"
)

const usageText = `Usage: depovox [-config FILE] COMMAND [ARGS]

Commands:
  init-db                create the drugs and movements tables
  transcribe AUDIO...    speech-to-text only; writes transcript JSON artifacts
  extract FILE...        run extraction on transcript artifacts and print the fields
  import FILE...         stage transcript artifacts against the ledger
  run AUDIO              full pipeline on one recording
  batch DIR              full pipeline on every recording in a directory
  drugs                  list the drug catalog with current stock
  history DRUG_ID        list recent movements for one drug

Run 'depovox COMMAND -h' for command-specific flags.
`

// logLevel backs the default logger so watch mode can hot-reload verbosity.
var logLevel = new(slog.LevelVar)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "depovox.yaml", "path to the YAML configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return 2
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "depovox: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "depovox: %v\n", err)
		}
		return 1
	}

	setLogLevel(cfg.Server.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cmdErr error
	switch command {
	case "init-db":
		cmdErr = cmdInitDB(ctx, cfg)
	case "transcribe":
		cmdErr = cmdTranscribe(ctx, cfg, args)
	case "extract":
		cmdErr = cmdExtract(ctx, cfg, args)
	case "import":
		cmdErr = cmdImport(ctx, cfg, args)
	case "run":
		cmdErr = cmdRun(ctx, cfg, args)
	case "batch":
		cmdErr = cmdBatch(ctx, cfg, args)
	case "drugs":
		cmdErr = cmdDrugs(ctx, cfg)
	case "history":
		cmdErr = cmdHistory(ctx, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "depovox: unknown command %q\n\n", command)
		flag.Usage()
		return 2
	}

	if cmdErr != nil && !errors.Is(cmdErr, context.Canceled) {
		slog.Error("command failed", "command", command, "err", cmdErr)
		return 1
	}
	return 0
}

// ── Commands ──────────────────────────────────────────────────────────────────

func cmdInitDB(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.PostgresDSN == "" {
		return errors.New("init-db requires database.postgres_dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if err := ledger.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	slog.Info("database schema is up to date")
	return nil
}

func cmdTranscribe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	outDir := fs.String("out", "", "output directory for transcript artifacts (default: pipeline.transcript_dir)")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("transcribe: no audio files given")
	}

	dir := *outDir
	if dir == "" {
		dir = cfg.Pipeline.TranscriptDir
	}
	if dir == "" {
		dir = "."
	}

	sttProv, err := buildSTT(cfg)
	if err != nil {
		return err
	}

	for _, audioPath := range fs.Args() {
		res, err := sttProv.Transcribe(ctx, audioPath, language(cfg))
		if err != nil {
			return fmt.Errorf("transcribe %q: %w", audioPath, err)
		}
		tr := transcript.FromResult(audioPath, cfg.Providers.STT.Model, res, time.Now())
		path, err := tr.Save(dir)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}

func cmdExtract(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("extract: no transcript files given")
	}

	extractor, err := buildExtractor(cfg)
	if err != nil {
		return err
	}

	for _, path := range args {
		tr, err := transcript.Load(path)
		if err != nil {
			return err
		}
		rec, err := extractor.Extract(ctx, tr.Text)
		if err != nil {
			return fmt.Errorf("extract %q: %w", path, err)
		}
		printRecord(path, rec)
	}
	return nil
}

func cmdImport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	commit := fs.Bool("commit", false, "commit committable records instead of only staging")
	force := fs.Bool("force", false, "allow exits that drive stock negative")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("import: no transcript files given")
	}

	env, err := newEnv(ctx, cfg, envOptions{needLLM: true, force: *force})
	if err != nil {
		return err
	}
	defer env.close()

	var staged []*review.StagedRecord
	failures := 0
	for _, path := range fs.Args() {
		tr, err := transcript.Load(path)
		if err != nil {
			return err
		}
		res, err := env.pipe.ProcessTranscript(ctx, tr)
		if err != nil {
			slog.Warn("transcript failed", "path", path, "err", err)
			failures++
			continue
		}
		staged = append(staged, res.Staged)
	}

	return env.finish(ctx, staged, failures, *commit)
}

func cmdRun(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	commit := fs.Bool("commit", false, "commit committable records instead of only staging")
	force := fs.Bool("force", false, "allow exits that drive stock negative")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("run: exactly one audio file expected")
	}

	env, err := newEnv(ctx, cfg, envOptions{needLLM: true, needSTT: true, force: *force})
	if err != nil {
		return err
	}
	defer env.close()

	res, err := env.pipe.ProcessFile(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printRecord(fs.Arg(0), res.Record)
	return env.finish(ctx, []*review.StagedRecord{res.Staged}, 0, *commit)
}

func cmdBatch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	commit := fs.Bool("commit", false, "commit committable records instead of only staging")
	force := fs.Bool("force", false, "allow exits that drive stock negative")
	watch := fs.Bool("watch", false, "keep running and process recordings as they appear")
	configPath := fs.String("watch-config", "", "config file to hot-reload in watch mode")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("batch: exactly one directory expected")
	}
	dir := fs.Arg(0)

	env, err := newEnv(ctx, cfg, envOptions{needLLM: true, needSTT: true, force: *force})
	if err != nil {
		return err
	}
	defer env.close()

	if !*watch {
		files, err := listAudio(dir, nil)
		if err != nil {
			return err
		}
		report, err := env.pipe.Batch(ctx, files)
		if err != nil {
			return err
		}
		var staged []*review.StagedRecord
		for _, r := range report.Results {
			staged = append(staged, r.Staged)
		}
		return env.finish(ctx, staged, len(report.Failed), *commit)
	}

	return watchLoop(ctx, cfg, env, dir, *configPath, *commit)
}

func cmdDrugs(ctx context.Context, cfg *config.Config) error {
	env, err := newEnv(ctx, cfg, envOptions{})
	if err != nil {
		return err
	}
	defer env.close()

	drugs, err := env.store.ListDrugs(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDOSE\tLOT\tTYPE\tSTOCK\tPIECES/BOX\tLAST INVENTORY\tEXPIRATION")
	for _, d := range drugs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Dose, d.Lot, d.Type, d.CurrentStock,
			orDash(intString(d.PiecesPerBox)), orDash(dateString(d.LastInventoryDate)), orDash(dateString(d.Expiration)))
	}
	return w.Flush()
}

func cmdHistory(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum number of movements to list")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("history: exactly one drug id expected")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("history: invalid drug id %q", fs.Arg(0))
	}

	env, err := newEnv(ctx, cfg, envOptions{})
	if err != nil {
		return err
	}
	defer env.close()

	drug, err := env.store.GetDrug(ctx, id)
	if err != nil {
		return err
	}
	movements, err := env.store.ListMovements(ctx, id, *limit)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s (lot %s), current stock %d\n\n", drug.Name, drug.Dose, orDash(drug.Lot), drug.CurrentStock)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTYPE\tPIECES\tDESTINATION/ORIGIN\tSIGNATURE\tTRANSCRIPT")
	for _, mv := range movements {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			dateString(mv.Date), mv.Type, mv.Pieces,
			orDash(mv.DestinationOrigin), orDash(mv.Signature), orDash(mv.TranscriptRef))
	}
	return w.Flush()
}

// ── Pipeline environment ──────────────────────────────────────────────────────

type envOptions struct {
	needLLM bool
	needSTT bool
	force   bool
}

// env bundles the wired pipeline with the store and gate behind it so the
// commands can stage, inspect and commit.
type env struct {
	cfg       *config.Config
	store     ledger.Store
	gate      *review.Gate
	pipe      *pipeline.Pipeline
	sttProv   stt.Provider
	extractor *extract.Extractor
	force     bool

	pool         *pgxpool.Pool
	shutdownOTel func(context.Context) error
}

func newEnv(ctx context.Context, cfg *config.Config, opts envOptions) (*env, error) {
	e := &env{cfg: cfg, force: opts.force}

	if cfg.Database.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		e.pool = pool
		e.store = ledger.NewPostgresStore(pool)
	} else {
		e.store = ledger.NewMemStore()
	}

	if opts.needSTT {
		p, err := buildSTT(cfg)
		if err != nil {
			e.close()
			return nil, err
		}
		e.sttProv = p
	}

	if opts.needLLM {
		x, err := buildExtractor(cfg)
		if err != nil {
			e.close()
			return nil, err
		}
		e.extractor = x
	}

	if cfg.Server.MetricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "depovox"})
		if err != nil {
			e.close()
			return nil, err
		}
		e.shutdownOTel = shutdown
		go serveMetrics(cfg)
	}

	e.gate = review.NewGate(e.store)
	e.rebuild(cfg)
	return e, nil
}

// rebuild recreates the pipeline from cfg, keeping the gate, store and
// providers. Used at startup and when watch mode hot-reloads settings.
func (e *env) rebuild(cfg *config.Config) {
	e.cfg = cfg
	e.pipe = buildPipeline(cfg, e.sttProv, e.extractor, e.gate, e.store, e.force)
}

func buildPipeline(cfg *config.Config, sttProv stt.Provider, extractor *extract.Extractor, gate *review.Gate, store ledger.Store, force bool) *pipeline.Pipeline {
	var matcherOpts []catalog.Option
	if cfg.Matcher.AcceptThreshold > 0 {
		matcherOpts = append(matcherOpts, catalog.WithAcceptThreshold(cfg.Matcher.AcceptThreshold))
	}
	if cfg.Matcher.ReviewThreshold > 0 {
		matcherOpts = append(matcherOpts, catalog.WithReviewThreshold(cfg.Matcher.ReviewThreshold))
	}

	var recOpts []reconcile.Option
	if force || cfg.Review.AllowNegativeStock {
		recOpts = append(recOpts, reconcile.WithStockOverride())
	}
	if !cfg.Review.AutoCreateDrugs {
		recOpts = append(recOpts, reconcile.WithoutNewDrugs())
	}

	return pipeline.New(
		sttProv,
		extractor,
		catalog.NewMatcher(matcherOpts...),
		reconcile.NewReconciler(recOpts...),
		gate,
		store,
		pipeline.WithLanguage(language(cfg)),
		pipeline.WithSTTModel(cfg.Providers.STT.Model),
		pipeline.WithTranscriptDir(cfg.Pipeline.TranscriptDir),
	)
}

func (e *env) close() {
	if e.shutdownOTel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.shutdownOTel(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// finish prints the review summary, writes the CSV artifact, and optionally
// commits everything that is committable.
func (e *env) finish(ctx context.Context, staged []*review.StagedRecord, failures int, commit bool) error {
	batch := &review.StagedBatch{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Records:   staged,
	}
	printSummary(batch, failures)

	if dir := e.cfg.Pipeline.ReviewDir; dir != "" && len(staged) > 0 {
		path, err := writeReviewCSV(dir, batch)
		if err != nil {
			return err
		}
		fmt.Printf("review artifact: %s\n", path)
	}

	if !commit {
		if len(staged) > 0 {
			fmt.Println("records staged only; re-run with -commit to write the ledger")
		}
		return nil
	}

	resolveAmbiguous(ctx, e.pipe, staged)

	committed, failed := e.pipe.CommitAll(ctx, staged)
	fmt.Printf("committed %d of %d records\n", len(committed), len(staged))
	for _, err := range failed {
		slog.Warn("record not committed", "err", err)
	}
	return nil
}

// ── Watch mode ────────────────────────────────────────────────────────────────

// watchLoop keeps processing recordings dropped into dir until the context is
// cancelled. Already-processed files are remembered by path; the config file,
// when given, is hot-reloaded for log level, matcher and review changes.
func watchLoop(ctx context.Context, cfg *config.Config, e *env, dir, configPath string, commit bool) error {
	printStartupSummary(cfg)

	reload := make(chan *config.Config, 1)
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if !d.Changed() {
				return
			}
			if d.LogLevelChanged {
				setLogLevel(d.NewLogLevel)
				slog.Info("log level reloaded", "level", d.NewLogLevel)
			}
			if d.MatcherChanged || d.ReviewChanged {
				select {
				case reload <- new:
				default:
				}
			}
		})
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	seen := make(map[string]bool)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	slog.Info("watching for recordings", "dir", dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case newCfg := <-reload:
			cfg = newCfg
			e.rebuild(cfg)
			slog.Info("matcher and review settings reloaded")
		case <-ticker.C:
		}

		files, err := listAudio(dir, seen)
		if err != nil {
			slog.Warn("cannot list directory", "dir", dir, "err", err)
			continue
		}
		if len(files) == 0 {
			continue
		}

		report, err := e.pipe.Batch(ctx, files)
		if err != nil {
			return err
		}
		var staged []*review.StagedRecord
		for _, r := range report.Results {
			staged = append(staged, r.Staged)
		}
		for _, f := range files {
			seen[f] = true
		}
		if err := e.finish(ctx, staged, len(report.Failed), commit); err != nil {
			return err
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func newRegistry() *config.Registry {
	reg := config.NewRegistry()

	// openai goes through the native SDK client; the rest of the hosted
	// providers share the any-llm pattern of optional APIKey + BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return whisper.NewNative(modelPath)
	})

	return reg
}

func buildSTT(cfg *config.Config) (stt.Provider, error) {
	if cfg.Providers.STT.Name == "" {
		return nil, errors.New("no STT provider configured (providers.stt.name)")
	}
	reg := newRegistry()
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	if cfg.Providers.STTFallback == nil {
		return primary, nil
	}

	fb, err := reg.CreateSTT(*cfg.Providers.STTFallback)
	if err != nil {
		return nil, fmt.Errorf("create stt fallback %q: %w", cfg.Providers.STTFallback.Name, err)
	}
	group := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
	group.AddFallback(cfg.Providers.STTFallback.Name, fb)
	slog.Info("stt failover enabled",
		"primary", cfg.Providers.STT.Name,
		"fallback", cfg.Providers.STTFallback.Name)
	return group, nil
}

func buildExtractor(cfg *config.Config) (*extract.Extractor, error) {
	if cfg.Providers.LLM.Name == "" {
		return nil, errors.New("no LLM provider configured (providers.llm.name)")
	}
	reg := newRegistry()
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}

	provider := primary
	if cfg.Providers.LLMFallback != nil {
		fb, err := reg.CreateLLM(*cfg.Providers.LLMFallback)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", cfg.Providers.LLMFallback.Name, err)
		}
		group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		group.AddFallback(cfg.Providers.LLMFallback.Name, fb)
		slog.Info("llm failover enabled",
			"primary", cfg.Providers.LLM.Name,
			"fallback", cfg.Providers.LLMFallback.Name)
		provider = group
	}

	var opts []extract.Option
	if temp, ok := optFloat(cfg.Providers.LLM.Options, "temperature"); ok {
		opts = append(opts, extract.WithTemperature(temp))
	}
	return extract.New(provider, opts...), nil
}

// ── Output helpers ────────────────────────────────────────────────────────────

func printRecord(source string, rec *extract.Record) {
	fmt.Printf("%s:\n", source)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "  drug\t%s %s\n", rec.DrugName, rec.Dose)
	fmt.Fprintf(w, "  lot\t%s\n", orDash(rec.Lot))
	fmt.Fprintf(w, "  type\t%s %s\n", orDash(rec.Type), orDash(rec.Units))
	if rec.IsMovement() {
		pieces, unresolved := rec.TotalPieces()
		fmt.Fprintf(w, "  movement\t%s on %s\n", rec.MovementType, dateString(rec.DateMovement))
		fmt.Fprintf(w, "  pieces\t%d", pieces)
		if unresolved > 0 {
			fmt.Fprintf(w, " (+%d boxes of unknown size)", unresolved)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  destination/origin\t%s\n", orDash(rec.DestinationOrigin))
		fmt.Fprintf(w, "  signature\t%s\n", orDash(rec.Signature))
	} else {
		fmt.Fprintf(w, "  movement\t(none; definition only)\n")
	}
	w.Flush()
}

func printSummary(batch *review.StagedBatch, failures int) {
	s := batch.Summarize()
	fmt.Printf("staged %d records: %d exact, %d fuzzy, %d new drugs, %d ambiguous, %d duplicates, %d unresolved; %d files failed\n",
		s.Total, s.Exact, s.Fuzzy, s.NewDrugs, s.Ambiguous, s.Duplicates, s.Unresolved, failures)
	for _, r := range batch.Records {
		line := fmt.Sprintf("  %s  %-9s  delta %+d", r.ID, r.State, r.Tx.Delta)
		if r.Tx.CreatesDrug() {
			line += "  (new drug: " + r.Tx.NewDrug.Name + ")"
		}
		if r.Duplicate {
			line += "  DUPLICATE"
		}
		if r.Tx.UnresolvedBoxes > 0 {
			line += fmt.Sprintf("  UNRESOLVED (%d boxes)", r.Tx.UnresolvedBoxes)
		}
		fmt.Println(line)
		for _, c := range r.Candidates {
			fmt.Printf("      candidate %d: %s %s (score %.3f)\n",
				c.Drug.ID, c.Drug.Name, orDash(c.Drug.Dose), c.Score)
		}
	}
}

// resolveAmbiguous walks the ambiguous records of a batch and asks the
// operator to pick a candidate for each. A blank answer leaves the record
// parked; it will be reported as uncommitted.
func resolveAmbiguous(ctx context.Context, pipe *pipeline.Pipeline, staged []*review.StagedRecord) {
	in := bufio.NewReader(os.Stdin)
	for _, r := range staged {
		if len(r.Candidates) == 0 {
			continue
		}
		fmt.Printf("record %s: %q needs a drug selection:\n", r.ID, r.Tx.Record.DrugName)
		for _, c := range r.Candidates {
			fmt.Printf("  %d: %s %s (score %.3f)\n", c.Drug.ID, c.Drug.Name, orDash(c.Drug.Dose), c.Score)
		}
		fmt.Print("drug id (blank to skip): ")
		line, err := in.ReadString('\n')
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		drugID, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			fmt.Printf("not a drug id: %q; skipping\n", line)
			continue
		}
		if err := pipe.SelectCandidate(ctx, r.ID, drugID); err != nil {
			slog.Warn("candidate selection failed", "record", r.ID, "err", err)
		}
	}
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Depovox watch mode           ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	ledgerKind := "in-memory"
	if cfg.Database.PostgresDSN != "" {
		ledgerKind = "postgres"
	}
	fmt.Printf("║  Ledger          : %-19s ║\n", ledgerKind)
	fmt.Printf("║  Language        : %-19s ║\n", language(cfg))
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics         : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func writeReviewCSV(dir string, batch *review.StagedBatch) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create review dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "processed_"+batch.CreatedAt.Format("20060102_150405")+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create review artifact: %w", err)
	}
	defer f.Close()
	if err := review.WriteCSV(f, batch); err != nil {
		return "", err
	}
	return path, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

var audioExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}

// listAudio returns the audio files in dir, sorted by name, excluding paths
// already present in seen.
func listAudio(dir string, seen map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !slices.Contains(audioExtensions, ext) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if seen[path] {
			continue
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return files, nil
}

func language(cfg *config.Config) string {
	if cfg.Pipeline.Language != "" {
		return cfg.Pipeline.Language
	}
	return "pt"
}

func setLogLevel(level config.LogLevel) {
	switch level {
	case config.LogDebug:
		logLevel.Set(slog.LevelDebug)
	case config.LogWarn:
		logLevel.Set(slog.LevelWarn)
	case config.LogError:
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}

func serveMetrics(cfg *config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler := observe.Middleware(observe.DefaultMetrics())(mux)

	var err error
	if tls := cfg.Server.TLS; tls != nil {
		err = http.ListenAndServeTLS(cfg.Server.MetricsAddr, tls.CertFile, tls.KeyFile, handler)
	} else {
		err = http.ListenAndServe(cfg.Server.MetricsAddr, handler)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics endpoint error", "err", err)
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// numbers as int or float64 depending on their spelling.
func optFloat(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func intString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func dateString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(catalog.DateFormat)
}
