package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	rcron "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memvault/internal/audit"
	"github.com/stellarlinkco/memvault/internal/config"
	"github.com/stellarlinkco/memvault/internal/embed"
	"github.com/stellarlinkco/memvault/internal/ledger"
	"github.com/stellarlinkco/memvault/internal/llm"
	"github.com/stellarlinkco/memvault/internal/segment"
	"github.com/stellarlinkco/memvault/internal/server"
	"github.com/stellarlinkco/memvault/internal/store"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "memvault",
	Short: "memvault - per-user semantic memory store",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with scheduled maintenance",
	RunE:  runServe,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a file into memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var noteCmd = &cobra.Command{
	Use:   "note <text>",
	Short: "Store a free-text note",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runNote,
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Retrieve memory chunks relevant to a query",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memvault status",
	RunE:  runStatus,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the user's vector index",
	RunE:  runCompact,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config",
	RunE:  runOnboard,
}

var (
	userFlag     string
	titleFlag    string
	tagsFlag     []string
	notesFlag    string
	categoryFlag string
	deadlineFlag string
	topKFlag     int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "default", "User id")
	for _, cmd := range []*cobra.Command{ingestCmd, noteCmd} {
		cmd.Flags().StringVar(&titleFlag, "title", "", "Entry title")
		cmd.Flags().StringSliceVar(&tagsFlag, "tags", nil, "Entry tags")
		cmd.Flags().StringVar(&notesFlag, "notes", "", "Entry notes")
		cmd.Flags().StringVar(&categoryFlag, "category", "", "Entry category")
		cmd.Flags().StringVar(&deadlineFlag, "deadline", "", "Deadline date, raises importance")
	}
	askCmd.Flags().IntVarP(&topKFlag, "topk", "k", 0, "Number of chunks to retrieve")
	rootCmd.AddCommand(serveCmd, ingestCmd, noteCmd, askCmd, statusCmd, compactCmd, onboardCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	manager *store.Manager
	audit   *audit.Log
}

func (a *app) close() {
	if a.audit != nil {
		_ = a.audit.Close()
	}
	_ = logger.Close()
}

// buildApp wires config, logging, the providers and the store manager. The
// audit log is optional: a failure to open it degrades to no auditing.
func buildApp(withSuggest bool) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Get().Warn().Err(err).Msg("audit log unavailable")
		auditLog = nil
	}

	var suggest llm.Client
	if withSuggest && cfg.Suggest.APIKey != "" {
		suggest = llm.NewClient(cfg.Suggest)
	}

	manager := store.NewManager(store.Options{
		DataDir: cfg.DataDir,
		Segment: segment.Options{
			MaxWords: cfg.Segment.MaxWords,
			Overlap:  cfg.Segment.Overlap,
		},
		Embedder:        embed.NewClient(cfg.Embedding),
		Suggest:         suggest,
		SummaryMinWords: cfg.Suggest.SummaryMinWords,
		Audit:           auditLog,
	})

	return &app{cfg: cfg, manager: manager, audit: auditLog}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()
	log := logger.Get()

	if a.cfg.Compaction.Enabled {
		c := rcron.New(rcron.WithSeconds())
		if _, err := c.AddFunc(a.cfg.Compaction.Schedule, a.runMaintenance); err != nil {
			return fmt.Errorf("schedule maintenance: %w", err)
		}
		c.Start()
		defer c.Stop()
		log.Info().Str("schedule", a.cfg.Compaction.Schedule).Msg("maintenance scheduled")
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("memvault listening")
	return http.ListenAndServe(addr, server.New(a.manager, a.audit))
}

// runMaintenance is the nightly sweep: compact every user's index, then
// prune audit events past the retention window.
func (a *app) runMaintenance() {
	a.manager.CompactAll()
	pruneAudit(a.audit, a.cfg.Audit.RetentionDays)
}

// pruneAudit drops audit events older than retentionDays. A nil log or a
// non-positive retention disables pruning.
func pruneAudit(auditLog *audit.Log, retentionDays int) {
	if auditLog == nil || retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	pruned, err := auditLog.PruneOlderThan(cutoff)
	if err != nil {
		logger.Get().Warn().Err(err).Msg("audit prune failed")
		return
	}
	if pruned > 0 {
		logger.Get().Info().Int64("events", pruned).Msg("audit events pruned")
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	entry, summary, err := a.manager.IngestFile(context.Background(), userFlag, data, filepath.Base(path), store.Meta{
		Title:    titleFlag,
		Tags:     tagsFlag,
		Notes:    notesFlag,
		Category: categoryFlag,
		Deadline: deadlineFlag,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Stored %s (entry %s, importance %s)\n", entry.Filename, entry.ID, ledger.ImportanceLabel(entry.Importance))
	if entry.Duplicate {
		fmt.Println("Note: an identical file was already in memory.")
	}
	if summary != "" {
		fmt.Printf("Summary:\n%s\n", summary)
	}
	return nil
}

func runNote(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	text := strings.Join(args, " ")
	entry, _, err := a.manager.IngestNote(context.Background(), userFlag, text, store.Meta{
		Title:    titleFlag,
		Tags:     tagsFlag,
		Notes:    notesFlag,
		Category: categoryFlag,
		Deadline: deadlineFlag,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Stored note %s (entry %s, importance %s)\n", entry.Filename, entry.ID, ledger.ImportanceLabel(entry.Importance))
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	topK := topKFlag
	if topK <= 0 {
		topK = a.cfg.Retrieval.TopK
	}
	results, err := a.manager.Retrieve(context.Background(), userFlag, args[0], topK)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("Nothing relevant in memory.")
		return nil
	}
	fmt.Print(formatContext(results))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Embedding model: %s (dim %d)\n", cfg.Embedding.Model, cfg.Embedding.Dimension)
	if cfg.Embedding.APIKey != "" && len(cfg.Embedding.APIKey) > 8 {
		masked := cfg.Embedding.APIKey[:4] + "..." + cfg.Embedding.APIKey[len(cfg.Embedding.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Embedding.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Compaction: enabled=%v schedule=%q\n", cfg.Compaction.Enabled, cfg.Compaction.Schedule)

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		fmt.Printf("Audit log: error (%v)\n", err)
		return nil
	}
	defer auditLog.Close()

	stats, err := auditLog.StatsFor(userFlag)
	if err != nil {
		fmt.Printf("Audit stats: error (%v)\n", err)
		return nil
	}
	fmt.Printf("User %s: %d ingests, %d retrievals, %d deletes, %d compactions\n",
		userFlag, stats.Ingests, stats.Retrievals, stats.Deletes, stats.Compacts)
	if stats.LastEvent != "" {
		fmt.Printf("Last activity: %s\n", stats.LastEvent)
	}
	events, err := auditLog.Recent(userFlag, 5)
	if err != nil {
		fmt.Printf("Recent activity: error (%v)\n", err)
		return nil
	}
	fmt.Print(formatRecentEvents(events))
	return nil
}

// formatRecentEvents renders the newest audit events, one per line,
// newest first.
func formatRecentEvents(events []audit.Event) string {
	if len(events) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Recent activity:\n")
	for _, ev := range events {
		sb.WriteString("  " + ev.CreatedAt + "  " + ev.Action)
		if ev.Detail != "" {
			sb.WriteString("  " + ev.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func runCompact(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Compact(userFlag); err != nil {
		return err
	}
	fmt.Printf("Compacted index for user %s\n", userFlag)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists: %s\n", cfgPath)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "users"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("Created config: %s\n", cfgPath)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your embedding API key\n", cfgPath)
	fmt.Println("  2. Or set MEMVAULT_API_KEY / OPENAI_API_KEY")
	fmt.Println("  3. Run 'memvault note \"Hello memory\"' to test")
	return nil
}

// formatContext renders retrieval results as a plain-text context block.
func formatContext(results []store.Result) string {
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString("Date added to memory: " + prettyDate(r.DateUploaded) + "\n")
		sb.WriteString("Title: " + orDefault(r.Title, "Untitled") + "\n")
		sb.WriteString("Tags: " + orDefault(strings.Join(r.Tags, ", "), "None") + "\n")
		sb.WriteString("Source: " + r.SourceFile + "\n")
		sb.WriteString("Category: " + categoryDisplay(r.Category) + "\n")
		sb.WriteString("Notes: " + orDefault(r.Notes, "No notes provided.") + "\n\n")
		sb.WriteString(strings.TrimSpace(r.Text) + "\n")
		sb.WriteString(strings.Repeat("-", 60) + "\n\n")
	}
	return sb.String()
}

func prettyDate(uploaded string) string {
	if len(uploaded) < 10 {
		return orDefault(uploaded, "Unknown Date")
	}
	t, err := time.Parse("2006-01-02", uploaded[:10])
	if err != nil {
		return uploaded[:10]
	}
	return t.Format("Jan 02, 2006")
}

func categoryDisplay(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return "Uncategorized"
	}
	// Slice on the first rune, not the first byte.
	first, size := utf8.DecodeRuneInString(category)
	return strings.ToUpper(string(first)) + strings.ToLower(category[size:])
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
