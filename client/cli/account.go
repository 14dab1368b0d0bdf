package cli

import (
	"context"

	"github.com/adwski/meetroom/backend/model"
	httpServer "github.com/adwski/meetroom/backend/server/http"
	"github.com/adwski/meetroom/backend/service"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newRegisterCommand(opts *options) *cobra.Command {
	var creds httpServer.Credentials
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return authenticate(cmd.Context(), creds, opts.api().Register)
		},
	}
	cmd.Flags().StringVarP(&creds.Username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&creds.Email, "email", "e", "", "email address (optional)")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCommand(opts *options) *cobra.Command {
	var creds httpServer.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print an access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return authenticate(cmd.Context(), creds, opts.api().Login)
		},
	}
	cmd.Flags().StringVarP(&creds.Username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&creds.Email, "email", "e", "", "email address, used instead of the user name")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "password")
	cmd.MarkFlagsOneRequired("username", "email")
	cmd.MarkFlagsMutuallyExclusive("username", "email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func authenticate(
	ctx context.Context,
	creds httpServer.Credentials,
	call func(context.Context, httpServer.Credentials) (*service.Session, error),
) error {
	sess, err := call(ctx, creds)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Signed in as %s (%s)", sess.Username, sess.UserID)
	pterm.Println()
	pterm.Println("export " + envToken + "=" + sess.Token)
	return nil
}

func newProfileCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the current account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := opts.api().Profile(cmd.Context())
			if err != nil {
				return err
			}
			renderProfile(cmd.OutOrStdout(), user)
			return nil
		},
	}

	var upd service.ProfileUpdate
	update := &cobra.Command{
		Use:   "update",
		Short: "Change user name, email or password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := opts.api().UpdateProfile(cmd.Context(), upd)
			if err != nil {
				return err
			}
			pterm.Success.Println("Profile updated")
			renderProfile(cmd.OutOrStdout(), user)
			return nil
		},
	}
	update.Flags().StringVarP(&upd.Username, "username", "u", "", "new user name")
	update.Flags().StringVarP(&upd.Email, "email", "e", "", "new email address")
	update.Flags().StringVarP(&upd.Password, "password", "p", "", "new password")
	update.MarkFlagsOneRequired("username", "email", "password")

	var yes bool
	remove := &cobra.Command{
		Use:   "delete",
		Short: "Delete the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return ErrNotConfirmed
			}
			if err := opts.api().DeleteAccount(cmd.Context()); err != nil {
				return err
			}
			pterm.Success.Println("Account deleted")
			return nil
		},
	}
	remove.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")

	cmd.AddCommand(update, remove)
	return cmd
}

func newRoomCommand(opts *options) *cobra.Command {
	room := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms",
	}
	room.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a room and print its id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := opts.api().CreateRoom(cmd.Context())
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Room created: %s", id)
			pterm.Info.Printfln("Join with: meetctl join %s", id)
			return nil
		},
	})
	return room
}

func newICECommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ice-servers",
		Short: "Show the ICE servers handed out by the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ice, err := opts.api().ICEServers(cmd.Context())
			if err != nil {
				return err
			}
			renderICEServers(cmd.OutOrStdout(), ice.ICEServers)
			pterm.Info.Printfln("candidate pool size: %d", ice.ICECandidatePoolSize)
			return nil
		},
	}
}

func newCallsCommand(opts *options) *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recent calls",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.api()
			if stats {
				s, err := c.CallStats(cmd.Context())
				if err != nil {
					return err
				}
				renderCallStats(cmd.OutOrStdout(), *s)
				return nil
			}
			logs, err := c.CallLogs(cmd.Context())
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				pterm.Info.Println("No calls yet")
				return nil
			}
			renderCallLogs(cmd.OutOrStdout(), logs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "show totals instead of the list")
	return cmd
}

func newSummariesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "summaries",
		Aliases: []string{"summary"},
		Short:   "List meeting summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.api().Summaries(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				pterm.Info.Println("No summaries yet")
				return nil
			}
			renderSummaries(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one summary",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ms, err := opts.api().Summary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printSummary(ms)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a summary",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := opts.api().DeleteSummary(cmd.Context(), args[0]); err != nil {
					return err
				}
				pterm.Success.Println("Summary deleted")
				return nil
			},
		},
	)
	return cmd
}

func printSummary(ms *model.MeetingSummary) {
	pterm.DefaultSection.Printfln("Meeting %s", ms.RoomID)
	pterm.Println(ms.Summary.Summary)
	if len(ms.KeyPoints) > 0 {
		pterm.DefaultSection.WithLevel(2).Println("Key points")
		for _, p := range ms.KeyPoints {
			pterm.Println("  • " + p)
		}
	}
	if len(ms.ActionItems) > 0 {
		pterm.DefaultSection.WithLevel(2).Println("Action items")
		for _, a := range ms.ActionItems {
			pterm.Println("  • " + a)
		}
	}
}
