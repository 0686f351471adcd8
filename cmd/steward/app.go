package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/calendar"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/contacts"
	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/email"
	"github.com/nugget/steward/internal/embeddings"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/metrics"
	"github.com/nugget/steward/internal/opstate"
	"github.com/nugget/steward/internal/retrieval"
	"github.com/nugget/steward/internal/syncer"
	"github.com/nugget/steward/internal/tasks"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
	"github.com/nugget/steward/internal/users"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds every long-lived component. Subcommands build one with
// newApp and use the parts they need.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	users        *users.Store
	tasks        *tasks.Store
	instructions *instructions.Store
	memory       *memory.Store
	opstate      *opstate.Store
	usage        *usage.Store

	bus      *events.Bus
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	llm      llm.Client
	mail     *email.Service
	calendar *calendar.Provider
	crm      *contacts.Service
	tools    *tools.Registry
	index    *retrieval.Index

	loop       *agent.Loop
	dispatcher *dispatch.Dispatcher
	syncer     *syncer.Syncer
}

// openDB opens the shared SQLite database in WAL mode so the poller,
// MQTT handlers and HTTP requests can read while one of them writes.
func openDB(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "steward.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// newApp opens storage and constructs every component from cfg.
// Nothing is started; the caller closes the app when done.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db, bus: events.New()}
	if err := a.build(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	// --- Stores ---
	if a.users, err = users.NewStore(a.db, cfg.Secrets.Key); err != nil {
		return err
	}
	if a.tasks, err = tasks.NewStore(a.db); err != nil {
		return err
	}
	if a.instructions, err = instructions.NewStore(a.db); err != nil {
		return err
	}
	if a.memory, err = memory.NewStore(a.db); err != nil {
		return err
	}
	if a.opstate, err = opstate.NewStore(a.db); err != nil {
		return err
	}
	if a.usage, err = usage.NewStore(a.db, cfg.Pricing); err != nil {
		return err
	}
	contactStore, err := contacts.NewStore(a.db)
	if err != nil {
		return err
	}

	// --- Metrics ---
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// --- LLM ---
	if a.llm, err = createLLMClient(ctx, cfg, logger); err != nil {
		return err
	}

	// --- Providers ---
	// Each provider resolves the acting user's credential per call, so
	// nothing here talks to the network yet.
	a.mail = email.NewService(cfg.Email, a.users, nil, logger)
	if a.calendar, err = calendar.NewProvider(cfg.Calendar, a.users, logger); err != nil {
		return err
	}
	a.crm = contacts.NewService(contactStore, contacts.NewAddressBook(cfg.CRM, a.users), logger)

	if a.tools, err = tools.NewRegistry(tools.Providers{
		Mail:         a.mail,
		Calendar:     a.calendar,
		CRM:          a.crm,
		Instructions: a.instructions,
	}, logger); err != nil {
		return err
	}

	// --- Retrieval ---
	// Without embeddings the index keeps only the newest items, which is
	// what the preamble falls back to.
	var embed func(ctx context.Context, text string) ([]float32, error)
	if cfg.Embeddings.Enabled {
		embed = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		}).Generate
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}
	if a.index, err = retrieval.New(filepath.Join(cfg.DataDir, "vectors"), embed, logger); err != nil {
		return err
	}

	// --- Agent and dispatcher ---
	loc, err := time.LoadLocation(cfg.Calendar.Timezone)
	if err != nil {
		return fmt.Errorf("calendar timezone: %w", err)
	}
	if a.loop, err = agent.NewLoop(agent.Config{
		Model:         cfg.Models.Default,
		MaxIterations: cfg.Agent.MaxIterations,
		ContextItems:  cfg.Agent.ContextItems,
		Location:      loc,
	}, agent.Deps{
		LLM:          a.llm,
		Tools:        a.tools,
		Memory:       a.memory,
		Tasks:        a.tasks,
		Instructions: a.instructions,
		Retriever:    a.index,
		Usage:        a.usage,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Logger:       logger,
	}); err != nil {
		return err
	}

	if a.dispatcher, err = dispatch.New(dispatch.Config{
		Model: cfg.Models.Default,
	}, dispatch.Deps{
		LLM:          a.llm,
		Tools:        a.tools,
		Tasks:        a.tasks,
		Instructions: a.instructions,
		Usage:        a.usage,
		Bus:          a.bus,
		Metrics:      a.metrics,
		Logger:       logger,
	}); err != nil {
		return err
	}

	// --- Sync ---
	deps := syncer.Deps{
		Notes:  contactStore,
		Index:  a.index,
		Bus:    a.bus,
		Logger: logger,
	}
	if cfg.Email.Configured() {
		deps.Mail = a.mail
	}
	if cfg.CRM.Configured() {
		deps.CRM = a.crm
	}
	a.syncer = syncer.New(syncer.Config{}, deps)
	return nil
}

// handleInbound is the email poller's handler: index the message for
// retrieval, then route it through the dispatcher.
func (a *app) handleInbound(ctx context.Context, in email.Inbound) error {
	a.metrics.MailReceived(1)
	if err := a.syncer.IndexInbound(ctx, in); err != nil {
		a.logger.Warn("index inbound email failed", "user_id", in.UserID, "error", err)
	}
	_, err := a.dispatcher.Dispatch(ctx, inboundEvent(in))
	return err
}

// inboundEvent converts a received email to a dispatcher event. The
// Message-ID doubles as the dedupe key.
func inboundEvent(in email.Inbound) dispatch.Event {
	return dispatch.Event{
		UserID:     in.UserID,
		ID:         in.MessageID,
		Sender:     in.Sender,
		SenderName: in.SenderName,
		Subject:    in.Subject,
		Body:       in.Body,
		Source:     events.SourceEmail,
	}
}

func (a *app) close() {
	a.syncer.Wait()
	a.mail.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// createLLMClient builds a multi-provider client. Models not listed in
// config fall through to Ollama.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}
	if cfg.Gemini.Configured() {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		multi.AddProvider("gemini", gemini)
		logger.Info("Gemini provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi, nil
}
