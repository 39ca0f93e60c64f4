package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/germanamz/batchman/pkg/batch"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/result/usage"
)

// idArgs is shared by the commands that act on a single batch.
type idArgs struct {
	name string
}

func (ia *idArgs) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ia.name, "name", "", "batch name, to disambiguate a unique id")
}

func newListCmd(a *app) *cobra.Command {
	var noSync bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Sync uploaded batches, then list every batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report *syncReport
			if !noSync {
				r := syncReport(a.batcher.SyncBatches(cmd.Context()))
				report = &r
			}

			listing := a.batcher.ListBatches()
			out := cmd.OutOrStdout()

			rows, rowErrs := batchRows(listing.All())

			if len(rows) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no batches in "+a.batcher.Root()))
			} else {
				fmt.Fprintln(out, renderTable(rows))
			}

			if report != nil {
				report.print(out, cmd.ErrOrStderr())
			}
			printErrors(cmd.ErrOrStderr(), listing.Errors)
			printErrors(cmd.ErrOrStderr(), rowErrs)

			return nil
		},
	}

	cmd.Flags().BoolVar(&noSync, "no-sync", false, "list without contacting the backends")

	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync uploaded batches and download completed results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := syncReport(a.batcher.SyncBatches(cmd.Context()))
			report.print(cmd.OutOrStdout(), cmd.ErrOrStderr())

			if len(report.Changes) == 0 && len(report.Errors) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("nothing changed"))
			}

			return nil
		},
	}
}

func (a *app) uploaded(id, name string) (*batch.Uploaded, error) {
	view, err := a.batcher.LoadBatch(id, name)
	if err != nil {
		return nil, err
	}

	u, ok := view.(*batch.Uploaded)
	if !ok {
		return nil, fmt.Errorf("%w: batch %s is %s", batch.ErrIllegalState, id, view.Stage())
	}

	return u, nil
}

func newCancelCmd(a *app) *cobra.Command {
	var ia idArgs

	cmd := &cobra.Command{
		Use:   "cancel <unique-id>",
		Short: "Cancel a batch that is still running remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.uploaded(args[0], ia.name)
			if err != nil {
				return err
			}

			status, err := u.Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if status == lifecycle.Cancelled {
				fmt.Fprintf(out, "%s is already cancelled\n", u.UniqueID())
				return nil
			}
			if !status.Pending() {
				return fmt.Errorf("%w: cannot cancel %s while %s", batch.ErrIllegalState, u.UniqueID(), status)
			}

			if err := u.Cancel(cmd.Context()); err != nil {
				return err
			}

			status, err = u.Status()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s is now %s\n", u.UniqueID(), renderStatus(status))

			return nil
		},
	}

	ia.bind(cmd)

	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	var ia idArgs

	cmd := &cobra.Command{
		Use:   "download <unique-id>",
		Short: "Download the results of a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.batcher.LoadBatch(args[0], ia.name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			switch v := view.(type) {
			case *batch.Downloaded:
				fmt.Fprintf(out, "already downloaded: %s\n", v.Dir().RemoteResultsPath())
				return nil
			case *batch.Uploaded:
				if err := v.Sync(cmd.Context()); err != nil {
					return err
				}

				d, err := v.Download(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "results saved to %s\n", d.Dir().RemoteResultsPath())
				return nil
			default:
				return fmt.Errorf("%w: batch %s is %s", batch.ErrIllegalState, args[0], view.Stage())
			}
		},
	}

	ia.bind(cmd)

	return cmd
}

func newResultsCmd(a *app) *cobra.Command {
	var (
		ia  idArgs
		raw bool
	)

	cmd := &cobra.Command{
		Use:   "results <unique-id>",
		Short: "Print the results of a downloaded batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.batcher.LoadBatch(args[0], ia.name)
			if err != nil {
				return err
			}

			d, ok := view.(*batch.Downloaded)
			if !ok {
				return fmt.Errorf("%w: batch %s is %s, download it first", batch.ErrIllegalState, args[0], view.Stage())
			}

			results, convErr := d.Results()
			if len(results) == 0 && convErr != nil {
				return convErr
			}

			md := resultsMarkdown(results)
			if !raw {
				md = renderMarkdown(md)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, md)

			var tracker usage.Tracker
			for _, r := range results {
				tracker.AddMap(r.Usage)
			}
			fmt.Fprintln(out, usageLine(len(results), &tracker))

			return convErr
		},
	}

	ia.bind(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal rendering")

	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var (
		ia  idArgs
		yes bool
	)

	cmd := &cobra.Command{
		Use:   "delete <unique-id>",
		Short: "Delete a batch directory (the remote batch is left alone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.batcher.Locate(args[0], ia.name)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := a.deps.confirm("Delete " + dir + "?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "kept")
					return nil
				}
			}

			if err := a.batcher.DeleteBatch(args[0], ia.name); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", dir)

			return nil
		},
	}

	ia.bind(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func newPathsCmd(a *app) *cobra.Command {
	var ia idArgs

	cmd := &cobra.Command{
		Use:   "paths <unique-id>",
		Short: "Print the files making up a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.batcher.LoadBatch(args[0], ia.name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, view.Core().Dir().Root())
			for _, p := range view.Core().Dir().Paths() {
				fmt.Fprintln(out, "  "+p)
			}

			return nil
		},
	}

	ia.bind(cmd)

	return cmd
}

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the registered backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			reg := a.batcher.Registry()
			for _, name := range reg.Names() {
				fmt.Fprintln(out, name)
			}
			for _, name := range a.cfg.DisabledProviders {
				fmt.Fprintln(out, dimStyle.Render(name+" (disabled)"))
			}

			hashes, err := reg.Store().Hashes()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config store: %s (%d config(s))\n", reg.Store().Path(), len(hashes))

			return nil
		},
	}
}
