package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/bandexam/internal/content"
	"github.com/pavelanni/bandexam/internal/events"
	"github.com/pavelanni/bandexam/internal/handler"
	appI18n "github.com/pavelanni/bandexam/internal/i18n"
	"github.com/pavelanni/bandexam/internal/remote"
	"github.com/pavelanni/bandexam/internal/scoring"
	"github.com/pavelanni/bandexam/internal/session"
	"github.com/pavelanni/bandexam/internal/storage"
	"github.com/pavelanni/bandexam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bandexam",
		Short: "Timed four-module language test sessions",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), validateCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `bandexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "bandexam.db", "SQLite database path")
	f.String("content-dir", "content", "Directory with module definitions ({module}_set{N}.json|yaml)")
	f.String("content-url", "", "Content service base URL (overrides --content-dir)")
	f.String("result-url", "", "Result service base URL (empty disables sync)")
	f.String("upload-url", "", "Media upload service base URL")
	f.String("blob-dir", "", "Store recordings in this directory instead of uploading them")
	f.String("token-url", "", "OAuth2 token URL for remote services")
	f.String("client-id", "", "OAuth2 client ID")
	f.String("client-secret", "", "OAuth2 client secret (or set BANDEXAM_CLIENT_SECRET)")
	f.Duration("upload-timeout", 30*time.Second, "Timeout for one recording upload")
	f.Duration("sync-timeout", 15*time.Second, "Timeout for the result sync")
	f.Duration("time-warning", 5*time.Minute, "Publish a time warning when this much time is left (0 disables)")
	f.String("media-type", "audio/webm", "Content type of recorded clips")
	f.StringP("lang", "l", "en", "Default UI language (en, ru)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.String("events-publisher", "none", "Event publisher (none, gochannel, kafka)")
	f.StringSlice("kafka-brokers", nil, "Kafka brokers for the kafka publisher")
	f.String("events-topic", "bandexam.events", "Topic for session events")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export cached results as JSON or XLSX",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "bandexam.db", "SQLite database path")
	f.String("format", "json", "Output format (json, xlsx)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check module definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("BANDEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("bandexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/bandexam")
	v.AddConfigPath("/etc/bandexam")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// scorerFromConfig builds the scorer from the optional "scoring" config
// section. Missing tables keep their defaults.
func scorerFromConfig(v *viper.Viper) (*scoring.Scorer, error) {
	cfg := scoring.DefaultConfig()
	if v.IsSet("scoring") {
		if err := v.UnmarshalKey("scoring", &cfg); err != nil {
			return nil, fmt.Errorf("decode scoring config: %w", err)
		}
	}
	return scoring.New(cfg)
}

func remoteConfig(v *viper.Viper, baseURL string, timeout time.Duration) remote.Config {
	return remote.Config{
		BaseURL:      baseURL,
		TokenURL:     v.GetString("token-url"),
		ClientID:     v.GetString("client-id"),
		ClientSecret: v.GetString("client-secret"),
		Timeout:      timeout,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	scorer, err := scorerFromConfig(v)
	if err != nil {
		return err
	}

	var src content.Source
	if u := v.GetString("content-url"); u != "" {
		src = remote.NewContentClient(remoteConfig(v, u, 30*time.Second))
		slog.Info("loading content from service", "url", u)
	} else {
		src = content.NewDirSource(v.GetString("content-dir"))
		slog.Info("loading content from directory", "dir", v.GetString("content-dir"))
	}

	deps := session.Deps{
		Scorer:        scorer,
		Store:         db,
		ContentType:   v.GetString("media-type"),
		UploadTimeout: v.GetDuration("upload-timeout"),
		SyncTimeout:   v.GetDuration("sync-timeout"),
		TimeWarning:   v.GetDuration("time-warning"),
		Logger:        slog.Default(),
	}
	if u := v.GetString("result-url"); u != "" {
		deps.Syncer = remote.NewResultClient(remoteConfig(v, u, deps.SyncTimeout))
	}
	switch {
	case v.GetString("blob-dir") != "":
		blobs, err := storage.NewFSStore(v.GetString("blob-dir"))
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
		deps.Uploader = remote.NewBlobUploader(blobs)
	case v.GetString("upload-url") != "":
		deps.Uploader = remote.NewMediaClient(remoteConfig(v, v.GetString("upload-url"), deps.UploadTimeout))
	default:
		slog.Warn("no media upload target configured, speaking clips will not upload")
	}

	pub, err := events.NewPublisher(events.Config{
		Publisher:    v.GetString("events-publisher"),
		KafkaBrokers: v.GetStringSlice("kafka-brokers"),
		Topic:        v.GetString("events-topic"),
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer pub.Close()
	deps.Events = pub

	mgr := session.NewManager(content.NewCache(src), deps)
	h := handler.New(mgr, db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   v.GetStringSlice("cors-origins"),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(lang))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"lang", lang,
			"content_url", v.GetString("content-url"),
			"result_url", v.GetString("result-url"),
			"events", v.GetString("events-publisher"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	mgr.Shutdown(shutdownCtx)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		m, err := content.Decode(data, format)
		if err == nil {
			err = content.Validate(m)
		}
		if err != nil {
			failed++
			slog.Error("invalid module definition", "path", path, "error", err)
			continue
		}
		slog.Info("module definition OK", "path", path, "module", m.Kind, "questions", m.QuestionCount(), "checksum", m.Checksum)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(args))
	}
	return nil
}
