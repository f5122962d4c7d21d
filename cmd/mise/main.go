package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mise/internal/analysis"
	"mise/internal/api"
	"mise/internal/broadcast"
	"mise/internal/config"
	"mise/internal/llm"
	"mise/internal/logging"
	"mise/internal/stages"
	"mise/internal/store"
	"mise/internal/transparency"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mise",
	Short: "mise - restaurant marketing analysis orchestrator",
	Long: `mise runs the restaurant analysis pipeline: menu extraction,
competitor intelligence, market context, BCG portfolio classification,
sales prediction and campaign generation.

Every stage is checkpointed; a crashed or failed run resumes at the
first stage that has not succeeded. Live progress streams over a
websocket channel while the REST API drives session control.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API and live progress channel",
	RunE:  runServe,
}

// runCmd starts a new analysis from the command line and follows it to
// a terminal stage.
var runCmd = &cobra.Command{
	Use:   "run [restaurant-name]",
	Short: "Run a full analysis for one restaurant",
	Long: `Creates a session and drives the pipeline to completion,
printing stage progress as it goes.

Example:
  mise run "Mama Rosa" --address "12 Via Roma, Brooklyn NY" \
    --cuisine italian --menu-image menu1.jpg --sales sales.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalysis,
}

// resumeCmd re-enters a persisted session.
var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a crashed or failed analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeAnalysis,
}

// statusCmd prints the compact summary of a session.
var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session's stage, checkpoints and counts",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

// exportCmd dumps the full session record as JSON.
var exportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Export the full session record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  exportSession,
}

// listCmd lists stored sessions.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  listSessions,
}

var (
	// run flags
	address     string
	cuisine     string
	menuImages  []string
	salesFile   string
	competitors string
	autoVerify  bool

	// list flags
	activeOnly bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mise.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Session database path (overrides config)")

	runCmd.Flags().StringVar(&address, "address", "", "Restaurant street address")
	runCmd.Flags().StringVar(&cuisine, "cuisine", "", "Cuisine type")
	runCmd.Flags().StringSliceVar(&menuImages, "menu-image", nil, "Menu image path (repeatable)")
	runCmd.Flags().StringVar(&salesFile, "sales", "", "Sales report CSV path")
	runCmd.Flags().StringVar(&competitors, "competitors", "", "Free-form competitor list")
	runCmd.Flags().BoolVar(&autoVerify, "auto-verify", false, "Run the strategic verification review")

	listCmd.Flags().BoolVar(&activeOnly, "active", false, "Only sessions that are not archived")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(listCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wired components every command shares.
type app struct {
	cfg      *config.Config
	repo     store.Repository
	pipeline *analysis.Pipeline
	apiCache *store.Cache
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.DatabasePath = dbPath
	}

	err = logging.Apply(cfg.Workspace, logging.Settings{
		DebugMode:  cfg.Logging.Debug || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	})
	if err != nil {
		return nil, err
	}

	repo, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}

	var client llm.Client
	if cfg.LLM.APIKey == "" {
		return nil, errors.New("no model API key configured (set GEMINI_API_KEY or llm.api_key)")
	}
	client, err = llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MinInterval: cfg.GetLLMMinInterval(),
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	recorder := transparency.NewRecorder()
	hub := broadcast.NewHub()
	caps := stages.New(stages.Deps{
		LLM:               client,
		Recorder:          recorder,
		EnrichConcurrency: cfg.Analysis.EnrichConcurrency,
	})

	orchCache := store.NewCache("orchestrator", repo)
	pipeline := analysis.NewPipeline(orchCache, recorder, hub, caps)
	apiCache := store.NewCache("api", repo)

	return &app{cfg: cfg, repo: repo, pipeline: pipeline, apiCache: apiCache}, nil
}

func (a *app) close() {
	a.pipeline.Hub().Close()
	if err := a.repo.Close(); err != nil {
		logger.Warn("closing session db", zap.Error(err))
	}
	logging.CloseAll()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	server := api.NewServer(a.pipeline, a.apiCache, a.repo, a.cfg.GetHeartbeatInterval())
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mise API listening", zap.String("addr", a.cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.pipeline.Create(cmd.Context(), analysis.StartRequest{
		RestaurantName: args[0],
		Address:        address,
		CuisineType:    cuisine,
		MenuImagePaths: menuImages,
		SalesFilePath:  salesFile,
		CompetitorText: competitors,
		AutoVerify:     autoVerify,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Session %s created for %q\n", sess.ID, sess.RestaurantName)

	return followRun(cmd.Context(), a, sess.ID)
}

func resumeAnalysis(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	return followRun(cmd.Context(), a, args[0])
}

// followRun drives the pipeline in the foreground, printing each live
// event as it arrives.
func followRun(ctx context.Context, a *app, sessionID string) error {
	hub := a.pipeline.Hub()
	events := hub.Subscribe(sessionID)
	defer hub.Unsubscribe(sessionID, events)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCancellation requested; finishing the current stage...")
		a.pipeline.Cancel(sessionID)
		cancel()
	}()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- a.pipeline.Run(runCtx, sessionID)
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-doneCh
			}
			printEvent(ev)
		case err := <-doneCh:
			// Drain whatever is already buffered before reporting.
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return err
					}
					printEvent(ev)
				default:
					if errors.Is(err, analysis.ErrCanceled) {
						fmt.Println("Run canceled. Resume later with: mise resume", sessionID)
						return nil
					}
					return err
				}
			}
		}
	}
}

func printEvent(ev broadcast.Event) {
	switch ev.Type {
	case broadcast.EventProgress:
		fmt.Printf("[%3d%%] %s: %s\n", ev.Percent, ev.Stage, ev.Message)
	case broadcast.EventStageComplete:
		fmt.Printf("[%3d%%] %s done: %s\n", ev.Percent, ev.Stage, ev.Message)
	case broadcast.EventPipelineComplete:
		fmt.Println("[100%] analysis complete")
	case broadcast.EventError:
		fmt.Printf("ERROR %s: %s\n", ev.Stage, ev.Message)
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	status, err := a.pipeline.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:      %s (%s)\n", status.SessionID, status.RestaurantName)
	fmt.Printf("Stage:        %s\n", status.CurrentStage)
	fmt.Printf("Checkpoints:  %d\n", status.CheckpointCount)
	fmt.Printf("Menu items:   %d\n", status.MenuItemCount)
	fmt.Printf("Competitors:  %d\n", status.CompetitorCount)
	fmt.Printf("Sales rows:   %d\n", status.SalesRowCount)
	fmt.Printf("Predictions:  %d\n", status.PredictionCount)
	fmt.Printf("Campaigns:    %d\n", status.CampaignCount)
	fmt.Printf("Thoughts:     %d\n", status.ThoughtCount)
	fmt.Printf("Archived:     %t\n", status.Archived)
	if status.LastError != "" {
		fmt.Printf("Last error:   %s\n", status.LastError)
	}
	return nil
}

func exportSession(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.pipeline.Export(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	sessions, err := a.repo.List(cmd.Context(), activeOnly)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	for _, sess := range sessions {
		marker := " "
		if sess.Archived {
			marker = "*"
		}
		fmt.Printf("%s %s  %-24s %-22s %s\n",
			marker, sess.ID, sess.RestaurantName, sess.CurrentStage,
			sess.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
