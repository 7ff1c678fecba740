// Package cli implements the identityctl command tree.
package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"identitycore/internal/config"
	"identitycore/pkg/domain"
)

type app struct {
	cfgFile string
	caller  string
	seed    string
	trace   bool

	v       *viper.Viper
	stdout  io.Writer
	stderr  io.Writer
	runtime *Runtime
}

// Option customises the command tree, mostly for tests.
type Option func(*app)

// WithOutput redirects command output and diagnostics.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(a *app) {
		a.stdout = stdout
		a.stderr = stderr
	}
}

// NewRootCommand builds the identityctl command tree.
func NewRootCommand(version string, opts ...Option) *cobra.Command {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "identityctl",
		Short: "Register identities and manage authorized tokens",
		Long: `identityctl applies registry operations to the configured state backend.

Each mutating command runs in its own transaction: it either commits fully
or leaves the registry unchanged. Results and emitted events are printed as JSON.

Configuration is read from --config (YAML) and IDENTITYCORE_* environment
variables, e.g. IDENTITYCORE_STORAGE_DRIVER=memory.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	flags.StringVar(&a.caller, "caller", "", "account issuing the operation")
	flags.StringVar(&a.seed, "seed", "", "32 byte hex entropy seed for id generation (random when empty)")
	flags.BoolVar(&a.trace, "trace", false, "write JSON trace spans to stderr")
	flags.String("log-level", "", "log level override (debug|info|warn|error)")

	a.v = config.New()
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		a.registerCmd(),
		a.registerWithIDCmd(),
		a.createTokenCmd("create-token", "Create an authorized token bound to an identity", false),
		a.createTokenCmd("issue-token", "Issue an authorized token (alias of create-token)", true),
		a.transferCmd(),
		a.showCmd(),
		a.checkpointCmd(),
	)
	a.closeAfterRun(root)
	return root
}

// closeAfterRun releases the runtime once a command finishes, whether or not
// it failed. PersistentPostRunE is skipped on error.
func (a *app) closeAfterRun(cmd *cobra.Command) {
	for _, child := range cmd.Commands() {
		a.closeAfterRun(child)
	}
	if cmd.RunE == nil {
		return
	}
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		err := run(c, args)
		if closeErr := a.teardown(); err == nil {
			err = closeErr
		}
		return err
	}
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context, version string) error {
	return NewRootCommand(version).ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return nil
	}
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.cfgFile, err)
		}
	}
	cfg, err := config.Decode(a.v)
	if err != nil {
		return err
	}
	rt, err := OpenRuntime(cmd.Context(), cfg, RuntimeOptions{Stderr: a.stderr, Trace: a.trace})
	if err != nil {
		return err
	}
	a.runtime = rt
	return nil
}

func (a *app) teardown() error {
	if a.runtime == nil {
		return nil
	}
	err := a.runtime.Close()
	a.runtime = nil
	return err
}

// origin resolves --caller and --seed into the call origin.
func (a *app) origin() (domain.Origin, error) {
	if a.caller == "" {
		return domain.Origin{}, errors.New("--caller is required")
	}
	origin := domain.Origin{Caller: domain.AccountID(a.caller)}
	if a.seed != "" {
		seed, err := domain.ParseHash(a.seed)
		if err != nil {
			return domain.Origin{}, fmt.Errorf("--seed: %w", err)
		}
		origin.Seed = seed
		return origin, nil
	}
	if _, err := rand.Read(origin.Seed[:]); err != nil {
		return domain.Origin{}, fmt.Errorf("generate seed: %w", err)
	}
	return origin, nil
}
