package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/snapledger/internal/matching"
	"github.com/zombor/snapledger/internal/pipeline"
	"github.com/zombor/snapledger/internal/record"
	"github.com/zombor/snapledger/internal/scanning"
	"github.com/zombor/snapledger/internal/vision"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// setupLogger installs the default slog handler
func setupLogger(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("snapledger")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "snapledger.db", "Database file path")
		storagePath    = fs.StringLong("storage", "./screenshots", "Screenshot storage directory")
		maxDimension   = fs.IntLong("max-dimension", scanning.DefaultMaxDimension, "Largest image side handed to OCR, in pixels")
		minConfidence  = fs.Float64Long("min-confidence", 0.75, "Minimum OCR confidence for a value candidate")
		maxPriority    = fs.IntLong("max-priority", 3, "Number of prominence levels considered for value candidates")
		minScore       = fs.Float64Long("min-score", 0.6, "Minimum composite score for a value candidate")
		matchThreshold = fs.Float64Long("match-threshold", matching.DefaultThreshold, "Average fingerprint distance below which a series is assigned")
		timeout        = fs.DurationLong("collaborator-timeout", 0, "Timeout for each OCR or fingerprint call (0 disables)")
		tessLang       = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = fs.StringLong("log-format", "text", "Log format: text or json")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SNAPLEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	setupLogger(*logLevel, *logFormat)

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := record.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := record.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize vision backends
	if !vision.TextBackendLinked {
		slog.Warn("No OCR backend linked, value extraction is deferred; build with -tags=tesseract")
	}
	tess, err := vision.NewTesseract(*tessLang)
	if err != nil {
		slog.Error("Failed to initialize Tesseract", "error", err)
		os.Exit(1)
	}
	hasher := vision.NewPerceptualHasher()
	engine := vision.NewEngine(tess, hasher, *timeout)
	defer engine.Close()

	scanner := scanning.NewScanner(engine, scanning.Config{
		MaxDimension: *maxDimension,
		Scoring: scanning.ScoringConfig{
			MinConfidence: *minConfidence,
			MaxPriority:   *maxPriority,
			MinScore:      *minScore,
		},
	})
	matcher := matching.NewMatcher(engine, *matchThreshold)
	coordinator := pipeline.NewCoordinator(db, store, scanner, matcher)
	trigger := pipeline.NewTrigger(coordinator)

	// Initialize service
	service := record.NewService(db, store)
	if err := service.EnsureDefaultSeries(); err != nil {
		slog.Error("Failed to create default series", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nothing holds a claim yet, so any analyzing record was cut off by the previous run
	if _, err := coordinator.RecoverInterrupted(ctx); err != nil {
		slog.Error("Failed to recover interrupted records", "error", err)
		os.Exit(1)
	}

	// Pick up anything left over from the previous run
	passesDone := make(chan struct{})
	go func() {
		defer close(passesDone)
		trigger.Run(ctx)
	}()
	trigger.Notify()

	// Initialize server
	basicAuth := record.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := record.NewServer(service, trigger, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()

	slog.Info("Shutting down...")
	// Passes stop between records
	<-passesDone
}
