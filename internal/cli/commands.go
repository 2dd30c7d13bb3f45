package cli

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/nodedriver/internal/log"
	"github.com/chainguard-dev/nodedriver/internal/ssh"
	"github.com/charmbracelet/lipgloss"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
)

func (a *App) credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the AWS credentials used to provision nodes",
	}

	var accessKeyID, secretAccessKey string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store an AWS access key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Save(cmd.Context(), accessKeyID, secretAccessKey); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "credentials saved to %s\n", a.store.CredentialsFile())
			return nil
		},
	}
	set.Flags().StringVar(&accessKeyID, "access-key-id", "", "AWS access key ID")
	set.Flags().StringVar(&secretAccessKey, "secret-access-key", "", "AWS secret access key")
	_ = set.MarkFlagRequired("access-key-id")
	_ = set.MarkFlagRequired("secret-access-key")

	cmd.AddCommand(set)
	return cmd
}

func (a *App) keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the SSH private key used to log into nodes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set PATH",
		Short: "Copy a private key into the configuration directory",
		Long: `Copy a private key into the configuration directory.

The key must belong to the key pair configured for launched nodes.
'~' at the start of PATH is expanded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.SaveKeyFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "key saved to %s\n", a.store.KeyFile())
			return nil
		},
	})
	return cmd
}

func (a *App) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Ensure a running node named NAME exists and wait until it accepts SSH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.With(cmd.Context(), "node", args[0])
			desc, err := a.start(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s\t%s\t%s\n", desc.Name, desc.User, desc.Hostname)
			return nil
		},
	}
}

func (a *App) execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec NAME -- COMMAND [ARG...]",
		Short: "Run a command on node NAME, starting it if needed",
		Long: `Run a command on node NAME, starting it if needed.

The command runs under a pseudo-terminal and its output is streamed as it
arrives. nodectl exits with the remote command's exit code.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			command := shellquote.Join(args[1:]...)
			if len(args) == 2 {
				// A single argument is taken as a complete shell command line.
				command = args[1]
			}
			return a.session(cmd.Context(), name, func(ctx context.Context, s *ssh.Session) error {
				_, err := s.ExecChecked(ctx, command)
				return err
			})
		},
	}
	a.reuseFlag(cmd)
	return cmd
}

func (a *App) uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload NAME LOCAL REMOTE",
		Short: "Copy a local file to node NAME, starting it if needed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.session(cmd.Context(), args[0], func(ctx context.Context, s *ssh.Session) error {
				return s.Upload(ctx, args[1], args[2])
			})
		},
	}
	a.reuseFlag(cmd)
	return cmd
}

func (a *App) reuseFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&a.reuse, "reuse", false, "Connect to the node recorded by an earlier 'start' without asking EC2")
}

func (a *App) terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate NAME",
		Short: "Terminate every running node named NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.With(cmd.Context(), "node", args[0])
			p, err := a.provisioner()
			if err != nil {
				return err
			}
			if err := p.Terminate(ctx, args[0]); err != nil {
				return err
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			return l.Remove(ctx, a.cfg.Region, args[0])
		},
	}
}

func (a *App) terminateUnnamedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate-unnamed",
		Short: "Terminate every running node without a Name tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.provisioner()
			if err != nil {
				return err
			}
			return p.TerminateUnnamed(cmd.Context())
		},
	}
}

func (a *App) terminateAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "terminate-all",
		Short: "Terminate every running node in the region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to terminate all nodes in %s without --yes", a.cfg.Region)
			}
			p, err := a.provisioner()
			if err != nil {
				return err
			}
			if err := p.TerminateAll(cmd.Context()); err != nil {
				return err
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			return l.Clear(cmd.Context(), a.cfg.Region)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm terminating every instance in the region, not only those started by nodectl")
	return cmd
}

func (a *App) nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes started from this configuration directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			nodes, err := l.List(cmd.Context(), a.cfg.Region)
			if err != nil {
				return err
			}
			header := lipgloss.NewRenderer(a.out).NewStyle().Bold(true)
			fmt.Fprintln(a.out, header.Render(fmt.Sprintf("%-24s %-12s %s", "NAME", "USER", "HOSTNAME")))
			for _, n := range nodes {
				fmt.Fprintf(a.out, "%-24s %-12s %s\n", n.Name, n.User, n.Hostname)
			}
			return nil
		},
	}
}
