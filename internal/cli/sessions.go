package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitushen/postureguard/internal/models"
)

func newSessionsCommand(root *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored scan sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			sessions, err := rt.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			filter := models.Status(strings.ToLower(status))

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTARGET\tTYPE\tSTATUS\tPROGRESS\tCREATED")
			for _, sess := range sessions {
				if filter != "" && sess.Status != filter {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					sess.ID, sess.Target, sess.Profile, sess.Status, sess.Progress,
					sess.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list sessions in this status")
	return cmd
}

func newShowCommand(root *rootOptions) *cobra.Command {
	var (
		asJSON     bool
		reportOnly bool
	)
	cmd := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show one session, or its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case reportOnly:
				if sess.Status != models.StatusCompleted {
					return fmt.Errorf("session %s is %s, report not available", sess.ID, sess.Status)
				}
				fmt.Fprintln(out, sess.Report)
				return nil
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}

			fmt.Fprintf(out, "Session:   %s\n", sess.ID)
			fmt.Fprintf(out, "Target:    %s (%s)\n", sess.Target, sess.Profile)
			fmt.Fprintf(out, "Status:    %s %d%% %s\n", sess.Status, sess.Progress, sess.CurrentStep)
			if sess.Error != "" {
				fmt.Fprintf(out, "Notes:     %s\n", sess.Error)
			}
			if sess.Risk != nil {
				fmt.Fprintf(out, "Risk:      %s (%d)\n", sess.Risk.Level, sess.Risk.Score)
			}
			for _, v := range sess.Vulnerabilities {
				fmt.Fprintf(out, "  [%s] %s on %d/%s\n", v.Severity, v.Type, v.Port, v.Service)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full session as JSON")
	cmd.Flags().BoolVar(&reportOnly, "report", false, "Print only the markdown report")
	return cmd
}
