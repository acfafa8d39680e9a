// cmd/funnel/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funnel/internal/config"
	"funnel/internal/funnel"
	"funnel/internal/logging"
	"funnel/internal/metrics"
	"funnel/internal/middleware"
	"funnel/internal/pipeline"
	"funnel/internal/tree"
	"funnel/internal/watch"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Funnel projects filtered views of file trees using symlinks",
	Long: `Funnel links a filtered, optionally renamed view of one directory into
another. Builds are incremental: only what changed since the previous build
is touched, and nothing is ever copied.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetConfigPath(), "config file (env FUNNEL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(configPath); err != nil {
				return err
			}
			fmt.Println("Wrote sample config to", configPath)
			return nil
		},
	}

	var buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Run one build of every projection",
		Long: `Runs one incremental build of every projection in the config file.

With --input and --output, builds a single ad-hoc projection described by
flags instead. Ad-hoc builds keep no state between runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			buildID, err := p.Build()
			if err != nil {
				return err
			}
			fmt.Println("Build", buildID[:8], "complete")
			return nil
		},
	}
	addAdHocFlags(buildCmd)

	var planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Show what the next build would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			plans, err := p.Plan()
			if err != nil {
				return err
			}
			for _, plan := range plans {
				printPlan(plan)
			}
			return nil
		},
	}
	addAdHocFlags(planCmd)

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Build, then rebuild whenever an input changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			if _, err := p.Build(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			if metricsAddr == "" {
				metricsAddr = p.Config.Watch.MetricsAddr
			}
			if metricsAddr != "" {
				srv := metricsServer(metricsAddr, p.Logger, p.LastBuild)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						p.Logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				p.Logger.Info("Serving metrics", zap.String("addr", metricsAddr))
			}

			w, err := watch.New(watch.Options{
				Roots:       p.WatchRoots(),
				IgnorePaths: p.IgnoredPaths(),
				Debounce:    p.Config.Watch.Debounce,
				Rebuild: func() error {
					_, err := p.Build()
					return err
				},
				Logger: p.Logger.Logger,
			})
			if err != nil {
				return fmt.Errorf("starting watcher: %w", err)
			}
			defer w.Close()

			fmt.Println("Watching", len(p.WatchRoots()), "input(s), press Ctrl-C to stop")
			return w.Run(ctx)
		},
	}
	addAdHocFlags(watchCmd)
	watchCmd.Flags().String("metrics-addr", "", "serve /metrics and /health on this address")

	var cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Empty every output and forget persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initPipeline(cmd)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Clean(); err != nil {
				return err
			}
			fmt.Println("Outputs cleaned")
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanCmd)
}

func addAdHocFlags(cmd *cobra.Command) {
	cmd.Flags().String("input", "", "input directory (ad-hoc mode)")
	cmd.Flags().String("output", "", "output directory (ad-hoc mode)")
	cmd.Flags().String("src-dir", "", "directory inside the input to project")
	cmd.Flags().String("dest-dir", "", "directory inside the output to project into")
	cmd.Flags().StringSlice("include", nil, "include patterns (glob, re:..., expr:...)")
	cmd.Flags().StringSlice("exclude", nil, "exclude patterns (glob, re:..., expr:...)")
	cmd.Flags().StringSlice("files", nil, "explicit list of input files")
	cmd.Flags().String("rename", "", "rename expression, `path` is the input path")
	cmd.Flags().Bool("allow-empty", false, "allow a missing src-dir")
	cmd.Flags().String("annotation", "", "label used in logs")
}

// adHocConfig builds a single-projection config from flags. It returns nil
// when --input is not set.
func adHocConfig(cmd *cobra.Command) (*config.Config, error) {
	input, _ := cmd.Flags().GetString("input")
	if input == "" {
		return nil, nil
	}

	pc := config.Projection{Name: "adhoc", Input: input}
	pc.Output, _ = cmd.Flags().GetString("output")
	pc.SrcDir, _ = cmd.Flags().GetString("src-dir")
	pc.DestDir, _ = cmd.Flags().GetString("dest-dir")
	pc.Rename, _ = cmd.Flags().GetString("rename")
	pc.AllowEmpty, _ = cmd.Flags().GetBool("allow-empty")
	pc.Annotation, _ = cmd.Flags().GetString("annotation")
	if cmd.Flags().Changed("include") {
		pc.Include, _ = cmd.Flags().GetStringSlice("include")
	}
	if cmd.Flags().Changed("exclude") {
		pc.Exclude, _ = cmd.Flags().GetStringSlice("exclude")
	}
	if cmd.Flags().Changed("files") {
		pc.Files, _ = cmd.Flags().GetStringSlice("files")
		if pc.Files == nil {
			pc.Files = []string{}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{
		BaseDir:     wd,
		LogLevel:    logLevel,
		Watch:       config.Watch{Debounce: config.DefaultDebounce},
		Projections: []config.Projection{pc},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initPipeline(cmd *cobra.Command) (*pipeline.Pipeline, error) {
	cfg, err := adHocConfig(cmd)
	if err != nil {
		return nil, err
	}
	adHoc := cfg != nil
	if !adHoc {
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	level := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	logger, err := logging.NewLogger(level)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	newPipeline := pipeline.New
	if adHoc {
		newPipeline = pipeline.NewInMemory
	}
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing pipeline: %w", err)
	}
	return p, nil
}

func metricsServer(addr string, logger *logging.Logger, lastBuild func() string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(mux,
			middleware.Logger(logger),
			middleware.Recover(logger),
			middleware.BuildContext(lastBuild),
			middleware.RequestID,
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printPlan(plan *funnel.Plan) {
	header := color.New(color.FgCyan, color.Bold)
	added := color.New(color.FgGreen)
	changed := color.New(color.FgYellow)
	removed := color.New(color.FgRed)
	dirs := color.New(color.FgBlue)

	header.Printf("%s: %s -> %s\n", plan.Name, plan.InputPath, plan.DestPath)
	if plan.LinkedRoots {
		dirs.Println("  link root")
		return
	}
	if len(plan.Patches) == 0 {
		fmt.Println("  up to date")
		return
	}

	for _, p := range plan.Patches {
		line := fmt.Sprintf("  %-6s %s", p.Op, p.Path)
		switch p.Op {
		case tree.OpCreate:
			added.Println(line)
		case tree.OpChange:
			changed.Println(line)
		case tree.OpUnlink, tree.OpRmdir:
			removed.Println(line)
		case tree.OpMkdir, tree.OpMkdirp:
			dirs.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
