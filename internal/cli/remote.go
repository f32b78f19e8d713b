package cli

import (
	"context"
	"fmt"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	gs "github.com/justincihi/cognisync/internal/server/grpc"
)

func (a *App) newLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a session and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			username, _ := cmd.Flags().GetString("username")
			if username == "" {
				var err error
				if username, err = getLine(a.in, cmd.ErrOrStderr(), "Username"); err != nil {
					return err
				}
			}
			password, err := getSecret(cmd.ErrOrStderr(), "Password")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(password)

			otp, _ := cmd.Flags().GetString("otp")
			backup, _ := cmd.Flags().GetString("backup-code")
			in, err := structpb.NewStruct(map[string]any{
				"username":    username,
				"password":    string(password),
				"otp":         otp,
				"backup_code": backup,
			})
			if err != nil {
				return err
			}

			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				out, err := c.Login(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "session expires at", out.Fields["expires_at"].GetStringValue())
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out.Fields["token"].GetStringValue())
				return err
			})
		},
	}
	cmd.Flags().String("username", "", "account name (prompted when empty)")
	cmd.Flags().String("otp", "", "current TOTP code")
	cmd.Flags().String("backup-code", "", "single-use backup code")
	return cmd
}

func (a *App) newRetentionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Retention policy operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show retention statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				out, err := c.RetentionStats(ctx)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), out)
			})
		},
	})

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Permanently delete records past their retention date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			in, err := structpb.NewStruct(map[string]any{"dry_run": dryRun})
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				out, err := c.RunCleanup(ctx, in)
				if err != nil {
					return err
				}
				if err := printMessage(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if failed := out.Fields["failed"].GetNumberValue(); failed > 0 {
					return fmt.Errorf("%d record(s) could not be deleted", int(failed))
				}
				return nil
			})
		},
	}
	cleanup.Flags().Bool("dry-run", false, "only list the records that would be deleted")
	cmd.AddCommand(cleanup)
	return cmd
}

func (a *App) newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Invalidate sessions idle past the timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				out, err := c.InvalidateSessions(ctx)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), out)
			})
		},
	}, &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				return c.Logout(ctx)
			})
		},
	})
	return cmd
}

func (a *App) newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := map[string]any{}
			for _, name := range []string{"resource-id", "action", "from", "to"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q[flagKey(name)] = v
				}
			}
			if cmd.Flags().Changed("user-id") {
				id, _ := cmd.Flags().GetInt64("user-id")
				q["user_id"] = id
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q["limit"] = limit

			in, err := structpb.NewStruct(q)
			if err != nil {
				return err
			}
			return a.withClient(cmd, func(ctx context.Context, c *gs.Client) error {
				out, err := c.AuditTrail(ctx, in)
				if err != nil {
					return err
				}
				return printMessage(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().Int64("user-id", 0, "only entries by this user")
	cmd.Flags().String("resource-id", "", "only entries for this resource")
	cmd.Flags().String("action", "", "only entries with this action")
	cmd.Flags().String("from", "", "RFC3339 lower bound")
	cmd.Flags().String("to", "", "RFC3339 upper bound")
	cmd.Flags().Int("limit", 100, "maximum entries")
	return cmd
}

func flagKey(name string) string {
	if name == "resource-id" {
		return "resource_id"
	}
	return name
}
