// Command firebuild runs a build command under the supervisor,
// intercepting and caching its child processes' side effects. Adapted
// from the teacher's cmd/root.go: same cobra root command, persistent
// flags, and signal.NotifyContext lifecycle, generalized from an OCI
// subcommand dispatcher to firebuild's single "run a command" surface
// (spec.md §6, SPEC_FULL.md §6).
package main

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/firebuild-go/firebuild/internal/cacher"
	"github.com/firebuild-go/firebuild/internal/config"
	"github.com/firebuild-go/firebuild/internal/fbpath"
	"github.com/firebuild-go/firebuild/internal/proctree"
	"github.com/firebuild-go/firebuild/internal/report"
	"github.com/firebuild-go/firebuild/internal/store"
	"github.com/firebuild-go/firebuild/internal/supervisor"
	"github.com/firebuild-go/firebuild/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
)

var (
	flagOverrides  []string
	flagConfigPath string
	flagReportPath string
	flagDebug      []string
	flagLogFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "firebuild [flags] -- command [args...]",
	Short: "Accelerate builds by caching intercepted process side effects",
	Long: `firebuild runs a build command under a supervisor that intercepts
its child processes' file and process-table side effects, shortcutting
any process whose inputs it has seen before instead of re-running it.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
	RunE: runBuild,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("firebuild version %s\n", Version)
		fmt.Printf("go: %s\n", runtime.Version())
		if BuildTime != "unknown" {
			fmt.Printf("build: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.Flags().StringArrayVarP(&flagOverrides, "option", "o", nil, "config override key=val, may be repeated")
	rootCmd.Flags().StringVarP(&flagConfigPath, "config", "c", "", "path to a TOML config file")
	rootCmd.Flags().StringVarP(&flagReportPath, "report", "r", "", "write a JSON report to this path on completion")
	rootCmd.Flags().StringArrayVarP(&flagDebug, "debug", "d", nil, "debug flag to enable, may be repeated")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "text", "log output format (text or json)")
	rootCmd.AddCommand(versionCmd)
}

func setupLogging() {
	level := slog.LevelInfo
	if len(flagDebug) > 0 {
		level = slog.LevelDebug
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Format: flagLogFormat,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)
}

// getContext returns a context that cancels on SIGINT/SIGTERM, mirroring
// the teacher's GetContext.
func getContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "firebuild:", err)
		os.Exit(1)
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := getContext()
	log := logging.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	blobs, err := store.NewBlobStore(filepath.Join(cfg.CacheDir, "blobs"))
	if err != nil {
		return err
	}
	objects, err := store.NewObjectStore(filepath.Join(cfg.CacheDir, "objects"))
	if err != nil {
		return err
	}
	cache := cacher.New(blobs, objects)

	pool := fbpath.NewPool(classifierFromConfig(cfg))
	tree := proctree.NewTree()

	srv := supervisor.NewServer(cfg, tree, pool, cache, log)
	if err := srv.Listen(); err != nil {
		return err
	}
	logging.WithPath(log, cfg.SocketPath).Info("supervisor listening")

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	buildCmd := exec.CommandContext(ctx, args[0], args[1:]...)
	buildCmd.Stdin = os.Stdin
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	buildCmd.Env = config.InjectedEnv(
		append(os.Environ(), "FB_SOCKET="+cfg.SocketPath, "FIREBUILD_CACHE_DIR="+cfg.CacheDir),
		interceptorPath(), ldLibraryPathVar(),
	)

	if err := buildCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !goerrors.As(err, &exitErr) {
			return err
		}
	}

	if err := <-runErr; err != nil {
		log.Warn("supervisor loop exited with error", "err", err)
	}

	if flagReportPath != "" {
		rep := report.Build(tree)
		b, err := rep.MarshalJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(flagReportPath, b, 0o644); err != nil {
			return err
		}
	}

	return nil
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flagConfigPath != "" {
		var err error
		cfg, err = config.LoadFile(cfg, flagConfigPath)
		if err != nil {
			return cfg, err
		}
	}
	for _, kv := range flagOverrides {
		if err := cfg.ApplyOverride(kv); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	cfg.DebugFlags = append(cfg.DebugFlags, flagDebug...)

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(os.TempDir(), fmt.Sprintf("firebuild-%d.sock", os.Getpid()))
	}
	if cfg.CacheDir == "" {
		home, _ := os.UserHomeDir()
		cfg.CacheDir = filepath.Join(home, ".cache", "firebuild")
	}
	return cfg, cfg.Validate()
}

func classifierFromConfig(cfg config.Config) fbpath.Classifier {
	systemPrefixes := []string{"/usr", "/lib", "/lib64", "/bin", "/sbin"}
	ignorePrefixes := []string{"/proc", "/dev", "/sys", cfg.CacheDir}
	return func(path string) (system, ignore, writable bool) {
		for _, p := range ignorePrefixes {
			if p != "" && hasPrefixDir(path, p) {
				return false, true, false
			}
		}
		for _, p := range systemPrefixes {
			if hasPrefixDir(path, p) {
				return true, false, false
			}
		}
		return false, false, true
	}
}

func hasPrefixDir(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

func interceptorPath() string {
	if p := os.Getenv("FIREBUILD_INTERCEPTOR"); p != "" {
		return p
	}
	return "/usr/lib/firebuild/libfbintercept.so"
}

// ldLibraryPathVar picks the platform-appropriate interceptor-loading
// variable per spec.md §6 ("LD_LIBRARY_PATH / DYLD_INSERT_LIBRARIES").
func ldLibraryPathVar() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_INSERT_LIBRARIES"
	}
	return "LD_LIBRARY_PATH"
}
