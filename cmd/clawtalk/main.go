// Command clawtalk is the command-line front end for the ClawTalk protocol
// and the TPC transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawtalk/clawtalk/pkg/clawtalk"
	"github.com/clawtalk/clawtalk/pkg/config"

	_ "github.com/lib/pq" // Postgres driver for the SQL audit sink
)

// EnvConfig names the config file when --config is not given.
const EnvConfig = "CLAWTALK_CONFIG"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	return run(context.Background(), args, stdout, stderr)
}

// usageError marks bad invocations; they exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, level: new(slog.LevelVar)}
	root := a.rootCmd()
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)
	root.SetIn(os.Stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		var ue usageError
		if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
			return 2
		}
		return 1
	}
	return 0
}

// app carries state shared by the subcommands of one invocation.
type app struct {
	stdout, stderr io.Writer
	configPath     string
	logLevel       string
	cfg            *config.Config
	level          *slog.LevelVar
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clawtalk",
		Short:         "Compact agent-to-agent messaging with an optional acoustic transport",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv(EnvConfig), "config file (YAML or TOML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		a.encodeCmd(),
		a.decodeCmd(),
		a.expandCmd(),
		a.dictCmd(),
		a.tpcCmd(),
		a.wavCmd(),
		a.processCmd(),
		a.auditCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		lvl, err := config.ParseLevel(a.logLevel)
		if err != nil {
			return usageError{err}
		}
		cfg.LogLevel = lvl
	}
	a.cfg = cfg
	a.level.Set(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(a.stderr, &slog.HandlerOptions{Level: a.level})))
	return nil
}

// stack builds the component stack for commands that need more than the
// stateless codecs.
func (a *app) stack(ctx context.Context, opts ...clawtalk.Option) (*clawtalk.Stack, error) {
	return clawtalk.New(ctx, a.cfg, append([]clawtalk.Option{clawtalk.WithLevelVar(a.level)}, opts...)...)
}

// input joins args, or reads stdin when there are none.
func input(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", usageError{errors.New("no input")}
	}
	return s, nil
}
