package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	autofix "github.com/autofix-assistant/autofix-web-ui"
	"github.com/autofix-assistant/autofix-web-ui/internal/conversation"
	"github.com/autofix-assistant/autofix-web-ui/internal/handlers"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "autofix",
		Short: "AutoFix Assistant, a car troubleshooting chat",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// The .env file is optional; variables already set in the environment win.
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("error loading .env file: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the config file")

	rootCmd.AddCommand(newServeCmd(&cfgPath), newAskCmd(&cfgPath))

	return rootCmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return serve(cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to run the HTTP server on")

	return cmd
}

func newAskCmd(cfgPath *string) *cobra.Command {
	var exportDir string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			return ask(cmd.Context(), cfg, logger, strings.Join(args, " "), exportDir)
		},
	}
	cmd.Flags().StringVarP(&exportDir, "export", "e", "", "Directory to write the conversation report to")

	return cmd
}

func setup(cfgPath string) (config, *slog.Logger, error) {
	if cfgPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return config{}, nil, err
		}
		cfgPath = p
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return config{}, nil, err
	}

	lvl, err := cfg.level()
	if err != nil {
		return config{}, nil, err
	}

	logger := slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	}))
	slog.SetDefault(logger)

	logger.Debug("Config loaded", slog.String("path", cfgPath))

	return cfg, logger, nil
}

func serve(cfg config, logger *slog.Logger) error {
	chatter, err := cfg.Chat.chatter(logger)
	if err != nil {
		return fmt.Errorf("error creating chat client: %w", err)
	}

	m, err := handlers.NewMain(chatter, cfg.Transcription.transcriber(logger), cfg.orchestratorConfig(), logger)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(autofix.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/input", m.HandleInput)
	mux.HandleFunc("/connectivity", m.HandleConnectivity)
	mux.HandleFunc("/recording", m.HandleRecording)
	mux.HandleFunc("/recording/chunks", m.HandleRecordingChunks)
	mux.HandleFunc("/export", m.HandleExport)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("url", "http://localhost:"+cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
	}

	return nil
}

// ask submits one question outside the browser. Recording is unavailable here, so the orchestrator gets
// no microphone.
func ask(ctx context.Context, cfg config, logger *slog.Logger, question, exportDir string) error {
	chatter, err := cfg.Chat.chatter(logger)
	if err != nil {
		return fmt.Errorf("error creating chat client: %w", err)
	}

	o := conversation.New(chatter, nil, nil, cfg.orchestratorConfig(), logger)
	defer o.Close()

	reply, err := o.SubmitText(ctx, question)
	if err != nil {
		fmt.Fprintln(os.Stderr, conversation.UserMessage(err))
		return err
	}
	fmt.Println(reply.Text)

	if exportDir == "" {
		return nil
	}

	exp, err := o.ExportLog()
	if err != nil {
		return err
	}
	path, err := exp.Save(exportDir)
	if err != nil {
		return fmt.Errorf("error saving report: %w", err)
	}
	logger.Info("Report saved", slog.String("path", path))

	return nil
}
