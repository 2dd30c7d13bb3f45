// cli implements 'nodectl', the command line front end of the provisioning
// and remote execution drivers.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/credentials"
	"github.com/chainguard-dev/nodedriver/internal/drivers"
	"github.com/chainguard-dev/nodedriver/internal/drivers/ec2"
	"github.com/chainguard-dev/nodedriver/internal/ledger"
	"github.com/chainguard-dev/nodedriver/internal/log"
	"github.com/chainguard-dev/nodedriver/internal/metrics"
	"github.com/chainguard-dev/nodedriver/internal/ssh"
	"github.com/chainguard-dev/nodedriver/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
)

const (
	defaultConfigDirName = ".nodedriver"
	configFileName       = "config.yaml"
	ledgerFileName       = "nodes.db"
	pushJobName          = "nodectl"
)

// ProvisionerFunc builds the provisioning driver for a command.
type ProvisionerFunc func(cfg ec2.Config, store *credentials.Store, m *metrics.Metrics) (drivers.Provisioner, error)

// DefaultProvisioner builds an EC2 driver talking to AWS.
func DefaultProvisioner(cfg ec2.Config, store *credentials.Store, m *metrics.Metrics) (drivers.Provisioner, error) {
	return ec2.New(cfg, store, ec2.WithMetrics(m))
}

// App holds the state shared by all commands of one invocation.
type App struct {
	configDir   string
	configPath  string
	logsDir     string
	waitTimeout time.Duration
	pushgateway string
	reuse       bool
	logLevel    string

	newProvisioner ProvisionerFunc
	out            io.Writer

	// Set up by 'prepare'.
	cfg      ec2.Config
	store    *credentials.Store
	ledger   *ledger.Ledger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

type Option func(*App)

// WithProvisioner replaces the EC2 driver, e.g. in tests.
func WithProvisioner(fn ProvisionerFunc) Option {
	return func(a *App) {
		a.newProvisioner = fn
	}
}

// WithOutput sets where command output and progress are written.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

func New(opts ...Option) *App {
	a := &App{
		newProvisioner: DefaultProvisioner,
		out:            os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Root returns the root command for the nodectl CLI.
func (a *App) Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodectl",
		Short: "Start EC2 nodes by name and run commands on them over SSH",
		Long: `nodectl starts single EC2 instances identified by their Name tag,
runs commands and uploads files on them over SSH, and terminates them again.

Credentials and the SSH private key live in the configuration directory,
set them once with 'nodectl credentials set' and 'nodectl key set'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := log.ParseLevel(a.logLevel)
			if err != nil {
				return err
			}
			cmd.SetContext(log.Setup(cmd.Context(), cmd.ErrOrStderr(), level))
			return a.prepare()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", "", "Directory holding credentials, key and ledger (default ~/"+defaultConfigDirName+")")
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to the driver configuration file (default <config-dir>/"+configFileName+")")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&a.logsDir, "logs-dir", "", "Directory to tee per-node remote output into")
	flags.DurationVar(&a.waitTimeout, "wait-timeout", 0, "Give up waiting for instances after this long (0 waits forever)")
	flags.StringVar(&a.pushgateway, "pushgateway", "", "Prometheus Pushgateway URL to push run metrics to")

	cmd.AddCommand(a.credentialsCmd())
	cmd.AddCommand(a.keyCmd())
	cmd.AddCommand(a.startCmd())
	cmd.AddCommand(a.execCmd())
	cmd.AddCommand(a.uploadCmd())
	cmd.AddCommand(a.terminateCmd())
	cmd.AddCommand(a.terminateUnnamedCmd())
	cmd.AddCommand(a.terminateAllCmd())
	cmd.AddCommand(a.nodesCmd())

	return cmd
}

// Execute runs 'root', built by 'Root', and pushes the run's metrics
// afterwards, also when the command failed.
func (a *App) Execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	a.pushMetrics(ctx)
	return err
}

func (a *App) prepare() error {
	if a.configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot locate configuration directory: %w", err)
		}
		a.configDir = filepath.Join(home, defaultConfigDirName)
	}
	if a.configPath == "" {
		a.configPath = filepath.Join(a.configDir, configFileName)
	}
	cfg, err := ec2.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.waitTimeout > 0 {
		cfg.WaitTimeout = a.waitTimeout
	}
	a.cfg = cfg
	a.store = credentials.New(a.configDir)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

func (a *App) openLedger() (*ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	if err := os.MkdirAll(a.configDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrLedger, err)
	}
	l, err := ledger.New(filepath.Join(a.configDir, ledgerFileName))
	if err != nil {
		return nil, err
	}
	a.ledger = l
	return l, nil
}

func (a *App) provisioner() (drivers.Provisioner, error) {
	return a.newProvisioner(a.cfg, a.store, a.metrics)
}

// node resolves the descriptor for 'name'. With '--reuse' a ledger entry is
// used as is, otherwise the node is started (or found running) and recorded.
func (a *App) node(ctx context.Context, name string) (types.Descriptor, error) {
	if !a.reuse {
		return a.start(ctx, name)
	}
	l, err := a.openLedger()
	if err != nil {
		return types.Descriptor{}, err
	}
	desc, found, err := l.Get(ctx, a.cfg.Region, name)
	if err != nil {
		return types.Descriptor{}, err
	}
	if found {
		log.Debug(ctx, "using recorded node", "node", desc.String())
		return desc, nil
	}
	return a.start(ctx, name)
}

func (a *App) start(ctx context.Context, name string) (types.Descriptor, error) {
	p, err := a.provisioner()
	if err != nil {
		return types.Descriptor{}, err
	}
	desc, err := p.StartNode(ctx, name)
	if err != nil {
		return types.Descriptor{}, err
	}
	l, err := a.openLedger()
	if err != nil {
		return types.Descriptor{}, err
	}
	if err := l.Record(ctx, a.cfg.Region, desc); err != nil {
		return types.Descriptor{}, err
	}
	return desc, nil
}

// session runs 'body' in an SSH session against node 'name', echoing to the
// app's output and, with '--logs-dir', to the node's log file.
func (a *App) session(ctx context.Context, name string, body func(context.Context, *ssh.Session) error) error {
	ctx, done := log.SetupNodeLogging(ctx, a.logsDir, name)
	defer done()
	ctx = log.With(ctx, "node", name)

	desc, err := a.node(ctx, name)
	if err != nil {
		return err
	}
	sink := ssh.Tee(ssh.ConsoleSink(a.out), ssh.LogSink(ctx))
	return ssh.WithSession(ctx, ssh.TargetFor(desc, a.cfg.SSHPort), func(s *ssh.Session) error {
		return body(ctx, s)
	}, ssh.WithSink(sink), ssh.WithMetrics(a.metrics))
}

func (a *App) pushMetrics(ctx context.Context) {
	if a.pushgateway == "" || a.registry == nil {
		return
	}
	if err := push.New(a.pushgateway, pushJobName).Gatherer(a.registry).PushContext(ctx); err != nil {
		clog.FromContext(ctx).Warn("failed to push metrics", "url", a.pushgateway, "error", err)
	}
}
