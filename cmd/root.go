package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/log"
)

// envPrefix namespaces environment overrides, e.g. REPORT_AGENT_COORDINATOR_MAX_CONCURRENT.
const envPrefix = "REPORT_AGENT"

// defaultConfigPath is where a config file is written when none is found.
const defaultConfigPath = ".report-agent/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       = config.Defaults()
)

var rootCmd = &cobra.Command{
	Use:   "report-agent",
	Short: "Multi-agent returns and warranty reporting pipeline",
	Long: `report-agent coordinates a five-stage reporting pipeline (data fetch,
normalization, insight generation, report generation, dashboard notification)
across workers connected by an in-process message broker.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .report-agent/config.yaml, then ~/.config/report-agent/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write debug logs (also REPORT_AGENT_DEBUG)")
}

func initConfig() {
	v := viper.GetViper()
	loaded, err := loadConfig(v, cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
	cfg = loaded

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadConfig(v, e)
		})
		v.WatchConfig()
	}
}

// loadConfig resolves the config file, writing a default one when none
// exists, and decodes it over the defaults. Environment variables with
// envPrefix override file values.
func loadConfig(v *viper.Viper, explicit string) (config.Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		// Config lookup order:
		// 1. .report-agent/config.yaml (current directory)
		// 2. ~/.config/report-agent/config.yaml (user config)
		if _, err := os.Stat(defaultConfigPath); err == nil {
			v.SetConfigFile(defaultConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "report-agent"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || explicit != "" {
			return config.Defaults(), fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
		}
		// No config file found anywhere - create default at .report-agent/config.yaml
		if writeErr := config.WriteDefaultConfig(defaultConfigPath); writeErr == nil {
			v.SetConfigFile(defaultConfigPath)
			_ = v.ReadInConfig()
		}
	}

	loaded := config.Defaults()
	if err := v.Unmarshal(&loaded); err != nil {
		return config.Defaults(), fmt.Errorf("decoding config: %w", err)
	}
	return loaded, nil
}

// reloadConfig applies the parts of a changed config file that are safe to
// change while running. Today that is the log level.
func reloadConfig(v *viper.Viper, e fsnotify.Event) {
	next := config.Defaults()
	if err := v.Unmarshal(&next); err != nil {
		log.ErrorErr(log.CatConfig, "Config reload failed", err, "file", e.Name)
		return
	}
	if err := config.Validate(next); err != nil {
		log.ErrorErr(log.CatConfig, "Ignoring invalid config change", err, "file", e.Name)
		return
	}
	if next.Log.Level != cfg.Log.Level {
		if level, err := log.ParseLevel(next.Log.Level); err == nil {
			log.SetMinLevel(level)
			log.Info(log.CatConfig, "Log level changed", "level", next.Log.Level)
		}
	}
	cfg.Log = next.Log
}

// setupLogging enables the file logger when --debug, REPORT_AGENT_DEBUG or
// log.path asks for it. The returned cleanup is always safe to call.
func setupLogging() (func(), error) {
	debug := debugFlag || os.Getenv(envPrefix+"_DEBUG") != ""
	path := cfg.Log.Path
	if path == "" && !debug {
		log.SetEnabled(false)
		return func() {}, nil
	}
	if path == "" {
		path = "debug.log"
	}

	cleanup, err := log.Init(path)
	if err != nil {
		return func() {}, fmt.Errorf("initializing logging: %w", err)
	}

	level := log.LevelDebug
	if !debug && cfg.Log.Level != "" {
		if parsed, err := log.ParseLevel(cfg.Log.Level); err == nil {
			level = parsed
		}
	}
	log.SetMinLevel(level)
	log.Info(log.CatConfig, "report-agent starting", "version", version, "debug", debug, "logPath", path)
	return cleanup, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
