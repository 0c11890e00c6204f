package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bloom-desktop/bloom/internal/log"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/worker"
)

var (
	userConfigPath string // /default/config/path/bloom on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "bloom")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is bloom.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initBloom

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("bloom failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bloom",
	Short:        "Turntable scanner capturing and uploading plant images",
	SilenceUsage: true,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a bloom",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("bloom: version info not available")
			return
		}
		fmt.Printf("bloom:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

// doWorker serves the hardware protocol on stdin and stdout. Logs go to stderr.
func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bloom",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	))
	return worker.Serve(ctx, os.Stdin, os.Stdout, worker.Options{
		Version:        version(),
		FixturesDir:    model.ExpandPath(config.Hardware.FixturesDir),
		SimulateTiming: config.Hardware.SimulateTiming,
	})
}

func initBloom(cmd *cobra.Command, _ []string) error {
	// .env is optional, variables already set take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig, ok := os.LookupEnv("BLOOMCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "bloom.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		if err := config.ApplyEnv(os.LookupEnv); err != nil {
			return err
		}
		configPath = filepath.Join(userConfigPath, "bloom.yaml")
		if err := storeConfig(configPath, model.DefaultConfig()); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose, os.Stderr))

	slog.Debug("bloom run", "configPath", configPath)
	slog.Debug("bloom run", "config", redacted(config))
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// redacted hides credentials from the debug log.
func redacted(cfg model.Config) model.Config {
	if cfg.Upload.Password != "" {
		cfg.Upload.Password = "***"
	}
	return cfg
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
