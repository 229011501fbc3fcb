// Package cmd implements the kosmos command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/born-ml/kosmos/internal/kosmos"
	"github.com/born-ml/kosmos/internal/logger"
	"github.com/born-ml/kosmos/internal/nn"
)

// Version is reported by the version command.
var Version = "dev"

// app carries the state shared by every subcommand of one root command.
type app struct {
	v             *viper.Viper
	metricsServer *http.Server
}

// NewRootCommand builds the command tree. Flags are bound to a private viper
// instance, so KOSMOS_* environment variables override their defaults.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(kosmos.EnvPrefix)
	a.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "kosmos",
		Short: "Kosmos-2.5 multimodal transformer core",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Errors are reported once by Execute; usage only helps for flag errors.
			cmd.SilenceUsage = true
			logger.SetupWriter(cmd.ErrOrStderr(), a.v.GetString("log_level"), a.v.GetString("log_format"))
			return a.startMetrics()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.stopMetrics()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "model config file (JSON or YAML); defaults to the published sizes")
	flags.Bool("tiny", false, "use the tiny test configuration instead of the published sizes")
	flags.String("attn-implementation", "", "attention kernel: reference, fused-kernel, native-fused (or eager, flash_attention_2, sdpa)")
	flags.String("dtype", "", "pipeline precision: float32, float16, bfloat16")
	flags.Int64("init-seed", 1, "seed for weight initialization")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	for _, name := range []string{"config", "tiny", "attn-implementation", "dtype", "init-seed", "log-level", "log-format", "metrics-addr"} {
		mustBindPFlag(a.v, flagKey(name), flags.Lookup(name))
	}

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		newForwardCommand(a),
		newGenerateCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return rootCmd
}

// loadConfig resolves the model configuration: file or defaults, then
// command line overrides, then validation.
func (a *app) loadConfig() (kosmos.Config, error) {
	var cfg kosmos.Config
	if a.v.GetBool("tiny") {
		cfg = kosmos.TinyConfig()
	} else {
		var err error
		if cfg, err = kosmos.LoadConfig(a.v.GetString("config")); err != nil {
			return kosmos.Config{}, err
		}
	}
	if s := a.v.GetString("attn_implementation"); s != "" {
		cfg.AttnImplementation = s
	}
	if s := a.v.GetString("dtype"); s != "" {
		cfg.DType = s
	}
	if err := cfg.Validate(); err != nil {
		return kosmos.Config{}, err
	}
	return cfg, nil
}

// newModel seeds weight initialization and builds the model.
func (a *app) newModel(cfg kosmos.Config) (*kosmos.ForConditionalGeneration[cpuBackend], cpuBackend, error) {
	nn.SeedInit(a.v.GetInt64("init_seed"))
	backend := newBackend()
	start := time.Now()
	model, err := kosmos.NewForConditionalGeneration(cfg, backend)
	if err != nil {
		return nil, backend, err
	}
	logger.Log.Info("model ready",
		"parameters", nn.CountParameters(model.Parameters()),
		"attn_implementation", cfg.Strategy().String(),
		"dtype", cfg.Precision().String(),
		"elapsed", time.Since(start).String())
	return model, backend, nil
}

func (a *app) startMetrics() error {
	addr := a.v.GetString("metrics_addr")
	if addr == "" || a.metricsServer != nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	logger.Log.Info("serving metrics", "addr", addr)
	return nil
}

func (a *app) stopMetrics() error {
	if a.metricsServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := a.metricsServer.Shutdown(ctx)
	a.metricsServer = nil
	return err
}

// flagKey maps a flag name to its viper key: "log-level" -> "log_level".
func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %q not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
