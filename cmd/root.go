package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/sink"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// DB is the global database connection shared by subcommands. It is opened
	// on first use so file-backed galleries and sinks work without Postgres.
	DB *store.Store

	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()

	// stdout receives tables and rolls; progress and errors go to stderr.
	stdout io.Writer = os.Stdout
)

// Version is the application version.
const Version = "0.1.0"

// flagKeys maps command-line flags onto configuration keys. A flag only
// overrides the config file and environment when it is set explicitly.
var flagKeys = map[string]string{
	"db":                  "database.url",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"gallery":             "gallery.source",
	"gallery-file":        "gallery.file",
	"sink":                "sink.kind",
	"csv":                 "sink.csv_path",
	"threshold":           "recognition.match_threshold",
	"metric":              "recognition.metric",
	"detection-threshold": "recognition.detection_threshold",
	"duration":            "session.duration",
	"device":              "camera.device",
	"format":              "camera.format",
	"fps":                 "camera.frame_rate",
	"nth-frame":           "camera.nth_frame",
	"max-width":           "camera.max_width",
	"model":               "worker.model",
	"listen":              "control.addr",
	"periods":             "schedule.periods",
}

var rootCmd = &cobra.Command{
	Use:           "rollcall",
	Short:         "Webcam classroom attendance with face recognition",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.New(cfgFile)
		if err != nil {
			return err
		}
		if err := bindFlags(v, cmd); err != nil {
			return err
		}
		if cmd.Flags().Changed("gallery-file") && !cmd.Flags().Changed("gallery") {
			v.Set("gallery.source", "file")
		}
		if cmd.Flags().Changed("csv") && !cmd.Flags().Changed("sink") {
			v.Set("sink.kind", "csv")
		}
		if cfg, err = config.Decode(v); err != nil {
			return err
		}
		if logger, err = logging.New(cfg.Log.Format, cfg.Log.Level); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
		_ = logger.Sync()
	},
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// failure is an error that already knows how to present itself, optionally
// with the stderr of the child process that caused it.
type failure struct {
	context string
	err     error
	cmd     *utils.SafeCommand
}

func fail(context string, err error, cmd *utils.SafeCommand) error {
	return &failure{context: context, err: err, cmd: cmd}
}

func (f *failure) Error() string { return f.context + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func report(err error) {
	var f *failure
	if errors.As(err, &f) {
		utils.ShowError(f.context, f.err, f.cmd)
		return
	}
	utils.ShowError("Command failed", err, nil)
}

// openStore connects to Postgres once per process.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return s, nil
}

// registry is the configured gallery, Postgres or a JSON file.
func registry(ctx context.Context) (gallery.Registry, error) {
	if cfg.Gallery.Source == "file" {
		return gallery.FileProvider{Path: cfg.Gallery.File}, nil
	}
	return openStore(ctx)
}

// rollStore is a sink whose committed rolls can be read back.
type rollStore interface {
	session.Sink
	Attendance(ctx context.Context, key session.Key) ([]session.Entry, error)
}

// attendanceSink is the configured sink, Postgres or a CSV file.
func attendanceSink(ctx context.Context) (rollStore, error) {
	if cfg.Sink.Kind == "csv" {
		return sink.NewFile(cfg.Sink.CSVPath), nil
	}
	return openStore(ctx)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		report(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file (env: ROLLCALL_*, .env is loaded if present)")
	pf.String("db", "", "PostgreSQL connection string (default: POSTGRES_* env or postgres://localhost:5432/rollcall)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "development", "Log encoder: development (console) or production (JSON)")
	pf.String("gallery", "postgres", "Gallery source: postgres or file")
	pf.String("gallery-file", "", "JSON gallery file (implies --gallery file)")
	pf.String("sink", "postgres", "Attendance sink: postgres or csv")
	pf.String("csv", "", "Attendance CSV file (implies --sink csv)")
}
