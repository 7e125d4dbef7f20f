package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qmx/qcode/config"
	"github.com/qmx/qcode/llm"
	"github.com/qmx/qcode/logging"
	"github.com/qmx/qcode/model"
	"github.com/qmx/qcode/orchestrator"
	"github.com/qmx/qcode/policy"
	"github.com/qmx/qcode/registry"
	"github.com/qmx/qcode/render"
	"github.com/qmx/qcode/tools"
)

type rootFlags struct {
	configPath string
	workspace  string
	verbose    bool
	debug      bool
	modelName  string
	noStream   bool
	timeoutMs  int
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           "qcode [options] [query]",
		Short:         "Locally-hosted AI coding assistant",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runQuery(cmd, strings.Join(args, " "), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a config file, merged with highest precedence")
	cmd.PersistentFlags().StringVarP(&flags.workspace, "workspace", "w", "", "workspace directory (default: current directory)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "print each tool result after the query completes")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "enable debug logging")
	cmd.PersistentFlags().StringVarP(&flags.modelName, "model", "m", "", "override the configured model id")
	cmd.PersistentFlags().BoolVar(&flags.noStream, "no-stream", false, "disable streaming responses")
	cmd.PersistentFlags().IntVar(&flags.timeoutMs, "timeout", 0, "override the overall query timeout, in milliseconds")

	cmd.AddCommand(newConfigCmd(&flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// cliOverrides translates the flag set into the dotted keys config.Load
// applies at the highest precedence, omitting anything left at its zero
// value so flags the user never touched don't shadow lower layers.
func cliOverrides(flags rootFlags) map[string]any {
	overrides := map[string]any{}
	if flags.modelName != "" {
		overrides["ollama.model"] = flags.modelName
	}
	if flags.noStream {
		overrides["ollama.stream"] = false
	}
	if flags.timeoutMs > 0 {
		overrides["query_timeout_ms"] = flags.timeoutMs
	}
	if flags.debug {
		overrides["log.level"] = "debug"
	}
	return overrides
}

func loadConfig(flags rootFlags) (*config.Config, error) {
	workspace := flags.workspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workspace = wd
	}
	return config.Load(workspace, flags.configPath, cliOverrides(flags))
}

// wiredComponents holds everything built from a resolved Config that a
// single query run needs.
type wiredComponents struct {
	engine    *orchestrator.Engine
	registry  *registry.Registry
	policy    *policy.Policy
	llmClient *llm.Client
}

func buildComponents(cfg *config.Config) (*wiredComponents, error) {
	pol, err := policy.New(
		cfg.Security.AllowedRoots,
		cfg.Security.ForbiddenPathGlobs,
		cfg.Security.AllowOutsideWorkspace,
		cfg.Security.AllowCommandGlobs,
		cfg.Security.DenyCommandGlobs,
	)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := tools.RegisterAll(reg); err != nil {
		return nil, err
	}

	client := llm.NewClient(
		cfg.Ollama.URL,
		cfg.Ollama.Model,
		llm.WithRetries(cfg.Ollama.Retries),
		llm.WithCallTimeout(time.Duration(cfg.Ollama.TimeoutMs)*time.Millisecond),
	)

	engine := orchestrator.NewEngine(client, reg,
		orchestrator.WithMaxToolCallsPerQuery(cfg.MaxToolCallsPerQuery),
		orchestrator.WithQueryTimeout(time.Duration(cfg.QueryTimeoutMs)*time.Millisecond),
		orchestrator.WithTemperature(cfg.Ollama.Temperature),
	)
	return &wiredComponents{engine: engine, registry: reg, policy: pol, llmClient: client}, nil
}

func runQuery(cmd *cobra.Command, query string, flags rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Console, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync()

	wired, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	tc := &registry.ToolContext{
		WorkingDirectory: cfg.WorkingDirectory,
		Policy:           wired.policy,
		Registry:         wired.registry,
		Query:            query,
		RequestID:        uuid.NewString(),
		Classify:         wired.llmClient.Classify,
	}

	resp := wired.engine.ProcessQuery(cmd.Context(), query, tc)

	if flags.verbose {
		for _, tr := range resp.ToolResults {
			fmt.Fprintln(os.Stderr, render.ToolResult(tr))
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.Text)

	logger.Debug("processed query",
		zap.String("request_id", tc.RequestID),
		zap.Bool("complete", resp.Complete),
		zap.Int("tool_calls", len(resp.ToolResults)),
		zap.Int64("processing_time_ms", resp.ProcessingTimeMs),
	)

	if !resp.Complete || len(resp.Errors) > 0 {
		return engineError(resp)
	}
	return nil
}

func engineError(resp model.EngineResponse) error {
	if len(resp.Errors) == 0 {
		return fmt.Errorf("query did not complete")
	}
	msgs := make([]string, len(resp.Errors))
	for i, e := range resp.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
