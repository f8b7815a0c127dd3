// Mandarin is a personal chat assistant server.
//
// It routes conversation turns to OpenAI, Anthropic or Google Gemini,
// lets the model search the web, and keeps long-term facts about the
// user in a memory store. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mandarin serve              Start the API server
//	mandarin init [dir]         Initialize a working directory with defaults
//	mandarin ask <question>     Ask a single question (for testing)
//	mandarin models             List catalog models and their availability
//	mandarin version            Print version and build information
//	mandarin -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/mandarin/internal/api"
	"github.com/nugget/mandarin/internal/buildinfo"
	"github.com/nugget/mandarin/internal/chat"
	"github.com/nugget/mandarin/internal/config"
	"github.com/nugget/mandarin/internal/embeddings"
	"github.com/nugget/mandarin/internal/evaluate"
	"github.com/nugget/mandarin/internal/fetch"
	"github.com/nugget/mandarin/internal/generate"
	"github.com/nugget/mandarin/internal/library"
	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/memory"
	"github.com/nugget/mandarin/internal/prompts"
	"github.com/nugget/mandarin/internal/search"
	"github.com/nugget/mandarin/internal/searchmode"
	"github.com/nugget/mandarin/internal/settings"
	"github.com/nugget/mandarin/internal/store"
	"github.com/nugget/mandarin/internal/tools"
	"github.com/nugget/mandarin/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the
// caller prints the returned error to stderr. Arguments are parsed by
// hand because the flag package's globals get in the way of calling
// run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command == "" && args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case command == "" && (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case command == "" && strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case command == "" && strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "models":
		return runModels(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mandarin - personal chat assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mandarin [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question: ask [-model id] [-search off|native|tool] <question>")
	fmt.Fprintln(w, "  models       List catalog models and whether they are usable")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mandarin/config.yaml, /etc/mandarin/config.yaml")
	return nil
}

// newLogger creates a structured logger writing to w. Format must be
// "text" or "json"; anything else means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// core is the part of the application every subcommand that talks to a
// model needs: credentials, the model router and the generator.
type core struct {
	cfg      *config.Config
	settings *settings.Store
	pool     *llm.ClientPool
	router   *llm.Router
	gen      *generate.Generator
	prompts  *prompts.Loader
	closers  []func() error
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// configuredKeys maps provider ids to the API keys in config.yaml.
func configuredKeys(cfg *config.Config) map[string]string {
	return map[string]string{
		llm.ProviderOpenAI:    cfg.Providers.OpenAI.APIKey,
		llm.ProviderAnthropic: cfg.Providers.Anthropic.APIKey,
		llm.ProviderGoogle:    cfg.Providers.Google.APIKey,
	}
}

// newClientPool builds the vendor pool, swapping in a factory for each
// vendor whose endpoint is overridden in config. Key edits made through
// the settings API drop every cached client.
func newClientPool(cfg *config.Config, set *settings.Store, logger *slog.Logger) *llm.ClientPool {
	var common []llm.Option
	if cfg.Generation.MaxTokens > 0 {
		common = append(common, llm.WithDefaultMaxTokens(cfg.Generation.MaxTokens))
	}
	pool := llm.NewClientPool(set, logger, common...)

	overrides := []struct {
		provider string
		baseURL  string
		build    func(key string, l *slog.Logger, opts ...llm.Option) llm.Client
	}{
		{llm.ProviderOpenAI, cfg.Providers.OpenAI.BaseURL, func(k string, l *slog.Logger, o ...llm.Option) llm.Client {
			return llm.NewOpenAIClient(k, l, o...)
		}},
		{llm.ProviderAnthropic, cfg.Providers.Anthropic.BaseURL, func(k string, l *slog.Logger, o ...llm.Option) llm.Client {
			return llm.NewAnthropicClient(k, l, o...)
		}},
		{llm.ProviderGoogle, cfg.Providers.Google.BaseURL, func(k string, l *slog.Logger, o ...llm.Option) llm.Client {
			return llm.NewGoogleClient(k, l, o...)
		}},
	}
	for _, o := range overrides {
		if o.baseURL == "" {
			continue
		}
		opts := append(append([]llm.Option{}, common...), llm.WithBaseURL(o.baseURL))
		build := o.build
		pool.Register(o.provider, func(key string, l *slog.Logger) llm.Client {
			return build(key, l, opts...)
		})
		logger.Info("provider endpoint overridden", "provider", o.provider, "base_url", o.baseURL)
	}

	set.OnKeysChanged(pool.Invalidate)
	return pool
}

// newSearchCache builds the similarity cache selected in config.
func newSearchCache(cfg config.CacheConfig, logger *slog.Logger) (search.Cache, func() error, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("search cache redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("search cache using redis", "addr", cfg.RedisAddr)
		return search.NewRedisCache(rdb, cfg.RedisKey, cfg.Threshold, cfg.TTL, logger), rdb.Close, nil
	default:
		return search.NewMemoryCache(cfg.Threshold, cfg.TTL), nil, nil
	}
}

// newSearchTools registers the configured search providers and returns
// the tool registry for the tool search mode, or nil when no provider
// is usable.
func newSearchTools(cfg config.SearchConfig, cache search.Cache, logger *slog.Logger) *tools.Registry {
	mgr := search.NewManager(cfg.Provider)
	if cfg.Tavily.Configured() {
		mgr.Register(search.NewTavily(cfg.Tavily.APIKey, "", cfg.Tavily.SearchDepth))
	}
	if cfg.SearXNG.Configured() {
		mgr.Register(search.NewSearXNG(cfg.SearXNG.URL))
	}
	if cfg.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Brave.APIKey, ""))
	}
	if !mgr.Configured() {
		logger.Warn("web search tool disabled (primary provider not configured)", "provider", cfg.Provider)
		return nil
	}

	opts := []search.ExecutorOption{
		search.WithAttempts(cfg.Attempts),
		search.WithOptions(search.Options{Count: cfg.MaxResults}),
	}
	if cfg.FetchContent {
		opts = append(opts, search.WithFetcher(fetch.New()))
	}
	exec := search.NewExecutor(mgr, cache, logger, opts...)

	reg := tools.NewRegistry(logger)
	reg.Register(exec.Tool())
	logger.Info("web search tool enabled", "provider", cfg.Provider, "providers", mgr.Providers())
	return reg
}

// newCore wires credentials, the model catalog and the generator.
func newCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	c := &core{cfg: cfg}

	c.settings = settings.New(cfg.DataDir, configuredKeys(cfg), logger)
	c.pool = newClientPool(cfg, c.settings, logger)

	catalog, err := llm.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	c.router = llm.NewRouter(catalog, c.pool)

	cache, closeCache, err := newSearchCache(cfg.Search.Cache, logger)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		c.closers = append(c.closers, closeCache)
	}

	// A nil *tools.Registry must not become a non-nil Toolset.
	var toolset generate.Toolset
	if reg := newSearchTools(cfg.Search, cache, logger); reg != nil {
		toolset = reg
	}
	c.gen = generate.New(c.router, toolset, logger, generate.Config{
		ChunkSize: cfg.Generation.ChunkSize,
		MaxRounds: cfg.Generation.MaxToolRounds,
		MaxTokens: cfg.Generation.MaxTokens,
	})
	c.prompts = prompts.NewLoader(filepath.Join(cfg.DataDir, "prompts"), logger)
	return c, nil
}

// openDB opens the application database.
func openDB(dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, "app.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// runServe starts the API server and blocks until ctx is cancelled or
// a termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger := newLogger(stdout, level, "text")
	logger.Info("starting Mandarin", "version", buildinfo.Version, "config", cfgPath, "data_dir", cfg.DataDir)

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, m := range c.router.Models() {
		logger.Debug("catalog model", "id", m.ID, "provider", m.Provider, "available", m.Available)
	}
	if def := c.router.DefaultModel(cfg.DefaultModel); def != "" {
		logger.Info("default model", "model", def)
	} else {
		logger.Warn("no model is available; set an API key in config, the environment or settings")
	}

	lib, err := library.New(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("library: %w", err)
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	chats, err := store.NewStore(db)
	if err != nil {
		return fmt.Errorf("chat store: %w", err)
	}
	spend, err := usage.NewStore(db, c.router)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}

	// Memory is optional; chats work without it.
	var mem *memory.Store
	var extractor *memory.Extractor
	if cfg.Memory.Enabled {
		var embedder embeddings.Embedder
		if cfg.Embeddings.Enabled {
			embedder = embeddings.New(embeddings.Config{
				Provider: cfg.Embeddings.Provider,
				BaseURL:  cfg.Embeddings.BaseURL,
				Model:    cfg.Embeddings.Model,
			}, func() string { return c.settings.APIKey(llm.ProviderOpenAI) })
			logger.Info("memory embeddings enabled", "provider", cfg.Embeddings.Provider, "model", cfg.Embeddings.Model)
		}
		mem, err = memory.NewStore(db, embedder, logger)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		extractor = memory.NewExtractor(mem, c.gen, lib, c.prompts,
			func() string { return c.router.SmallModel(cfg.Memory.SmallModel) },
			logger, memory.ExtractorConfig{Threshold: float32(cfg.Memory.SimilarityThreshold)})
		defer extractor.Wait()
	} else {
		logger.Info("memory disabled")
	}

	deps := chat.Deps{
		Store:     chats,
		Library:   lib,
		Memory:    mem,
		Generator: c.gen,
		Evaluator: evaluate.New(c.gen, c.prompts, logger, evaluate.Config{
			Attempts:    cfg.Evaluation.Attempts,
			EvalRetries: cfg.Evaluation.EvalRetries,
			Timeout:     cfg.Evaluation.Timeout,
		}),
		Models:  c.router,
		Prompts: c.prompts,
		Usage:   spend,
	}
	if extractor != nil {
		deps.Extractor = extractor
	}
	svc := chat.New(deps, chat.Config{
		UserName:            cfg.UserName,
		Location:            cfg.Location(),
		ChatNamerModel:      cfg.ChatNamerModel,
		SimilarityThreshold: float32(cfg.Memory.SimilarityThreshold),
	}, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:         svc,
		Store:        chats,
		Library:      lib,
		Memory:       mem,
		Settings:     c.settings,
		Router:       c.router,
		Usage:        spend,
		DefaultModel: cfg.DefaultModel,
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Mandarin stopped")
	return nil
}

// askOptions are the flags of the ask subcommand.
type askOptions struct {
	model    string
	search   searchmode.Mode
	question string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{search: searchmode.Off}
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case args[i] == "-search" && i+1 < len(args):
			m, ok := searchmode.Parse(args[i+1])
			if !ok {
				return opts, fmt.Errorf("unknown search mode: %q (expected off, native or tool)", args[i+1])
			}
			opts.search = m
			i++
		default:
			words = append(words, args[i])
		}
	}
	opts.question = strings.TrimSpace(strings.Join(words, " "))
	if opts.question == "" {
		return opts, errors.New("usage: mandarin ask [-model id] [-search off|native|tool] <question>")
	}
	return opts, nil
}

// runAsk runs one turn against the orchestrator without persistence and
// prints the chunks as they arrive. Status lines go to stderr.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	logger := newLogger(stderr, level, "text")

	c, err := newCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	preferred := opts.model
	if preferred == "" {
		preferred = c.settings.DefaultModel()
	}
	if preferred == "" {
		preferred = cfg.DefaultModel
	}
	model := opts.model
	if model == "" {
		model = c.router.DefaultModel(preferred)
	}
	if model == "" {
		return errors.New("ask: no model is available")
	}

	system := prompts.SystemPrompt(c.prompts.Load(prompts.NameSystem), time.Now(), cfg.Location(), cfg.UserName)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: opts.question},
	}

	_, err = c.gen.Run(ctx, opts.search, model, msgs, func(ev generate.Event) {
		switch ev.Kind {
		case generate.KindStatus:
			fmt.Fprintln(stderr, ev.Message)
		case generate.KindChunk:
			fmt.Fprint(stdout, ev.Text)
		case generate.KindResult:
			fmt.Fprintln(stdout)
			for _, ws := range ev.WebSearch {
				for _, r := range ws.Results {
					fmt.Fprintf(stderr, "  [%s] %s\n", r.Title, r.URL)
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runModels lists the catalog with each model's availability.
func runModels(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, slog.LevelError, "text")

	set := settings.New(cfg.DataDir, configuredKeys(cfg), logger)
	catalog, err := llm.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	router := llm.NewRouter(catalog, newClientPool(cfg, set, logger))
	models := router.Models()

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	if len(models) == 0 {
		fmt.Fprintf(w, "No models in %s\n", cfg.ModelsFile)
		return nil
	}
	def := router.DefaultModel(cfg.DefaultModel)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROVIDER\tAVAILABLE")
	for _, m := range models {
		id := m.ID
		if id == def {
			id += " *"
		}
		avail := "no"
		if m.Available {
			avail = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, m.Name, m.Provider, avail)
	}
	return tw.Flush()
}
