package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/targets"
)

type scanOptions struct {
	scanType string
	parallel int
	format   string
}

func newScanCommand(root *rootOptions) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan TARGET [TARGET...]",
		Short: "Run the full pipeline against one or more targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := models.ParseProfile(opts.scanType)
			if err != nil {
				return err
			}
			switch opts.format {
			case "text", "json", "markdown":
			default:
				return fmt.Errorf("unknown output format %q (want text, json or markdown)", opts.format)
			}
			if opts.parallel < 1 {
				opts.parallel = 1
			}
			// 全部目标校验通过后才启动扫描。
			normalized := make([]string, len(args))
			for i, raw := range args {
				if normalized[i] = targets.Normalize(raw); normalized[i] == "" {
					return fmt.Errorf("invalid target %q", raw)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, _, err := root.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			results := make([]*models.Session, len(args))
			var (
				mu sync.Mutex
				g  errgroup.Group
			)
			g.SetLimit(opts.parallel)
			for i, target := range normalized {
				g.Go(func() error {
					sess := &models.Session{Target: target, Profile: profile}
					if err := rt.Store.Create(ctx, sess); err != nil {
						return fmt.Errorf("create session for %s: %w", target, err)
					}
					// 运行失败也会落为 failed 会话，不中断其他目标。
					final, err := rt.Engine.Run(ctx, sess.ID)
					if err != nil {
						return err
					}
					mu.Lock()
					results[i] = final
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), opts.format, results)
		},
	}
	cmd.Flags().StringVarP(&opts.scanType, "scan-type", "t", "standard", "Scan type (quick, standard, full)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 2, "Targets scanned concurrently")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format (text, json, markdown)")
	return cmd
}

func printResults(w io.Writer, format string, results []*models.Session) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "markdown":
		for _, sess := range results {
			if sess.Report == "" {
				fmt.Fprintf(w, "<!-- %s %s: %s -->\n\n", sess.ID, sess.Status, sess.Error)
				continue
			}
			fmt.Fprintln(w, sess.Report)
		}
		return nil
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tTARGET\tSTATUS\tRISK\tFINDINGS\tNOTES")
		for _, sess := range results {
			risk := "-"
			if sess.Risk != nil {
				risk = fmt.Sprintf("%s (%d)", sess.Risk.Level, sess.Risk.Score)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				sess.ID, sess.Target, sess.Status, risk, len(sess.Vulnerabilities), oneLine(sess.Error))
		}
		return tw.Flush()
	}
}

const notesWidth = 80

// oneLine 把备注压成一行并按字符截断。
func oneLine(s string) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) > notesWidth {
		return string(r[:notesWidth-3]) + "..."
	}
	return string(r)
}
