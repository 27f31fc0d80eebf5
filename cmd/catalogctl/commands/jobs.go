package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/catalog/internal/job"
	"github.com/JonMunkholm/catalog/internal/repository"
)

func (c *CLI) newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a CSV file and print its file reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.client().upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.FileRef)
			return nil
		},
	}
}

func (c *CLI) newImportCmd() *cobra.Command {
	var (
		kind      string
		fileRef   string
		threshold float64
		wait      bool
	)
	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Import a CSV file, uploading it first unless --file-ref is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			ctx := cmd.Context()

			switch {
			case len(args) == 1 && fileRef != "":
				return errors.New("pass either FILE or --file-ref, not both")
			case len(args) == 1:
				up, err := cl.upload(ctx, args[0])
				if err != nil {
					return fmt.Errorf("upload: %w", err)
				}
				fileRef = up.FileRef
			case fileRef == "":
				return errors.New("FILE or --file-ref is required")
			}

			req := job.Request{Kind: job.KindImport, EntityKind: kind, FileRef: fileRef}
			if cmd.Flags().Changed("threshold") {
				req.AbortThreshold = &threshold
			}
			_, err := c.submitAndReport(cmd, req, wait)
			return err
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Entity kind, e.g. product")
	cmd.Flags().StringVar(&fileRef, "file-ref", "", "Previously uploaded file reference")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Abort when more than this fraction of rows fail")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (c *CLI) newPreviewCmd() *cobra.Command {
	var (
		kind    string
		fileRef string
	)
	cmd := &cobra.Command{
		Use:   "preview [FILE]",
		Short: "Show what an import would do without writing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			ctx := cmd.Context()

			switch {
			case len(args) == 1 && fileRef != "":
				return errors.New("pass either FILE or --file-ref, not both")
			case len(args) == 1:
				up, err := cl.upload(ctx, args[0])
				if err != nil {
					return fmt.Errorf("upload: %w", err)
				}
				fileRef = up.FileRef
			case fileRef == "":
				return errors.New("FILE or --file-ref is required")
			}

			rep, err := cl.preview(ctx, kind, fileRef)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}

			out := cmd.OutOrStdout()
			sum := rep.Summary
			fmt.Fprintf(out, "file:       %s\n", rep.FileRef)
			fmt.Fprintf(out, "rows:       %d", sum.TotalRows)
			if sum.Truncated {
				fmt.Fprint(out, " (truncated)")
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "new:        %d\n", sum.NewRows)
			fmt.Fprintf(out, "update:     %d\n", sum.UpdateRows)
			fmt.Fprintf(out, "errors:     %d\n", sum.ErrorRows)
			fmt.Fprintf(out, "duplicates: %d\n", sum.DuplicateInFile)
			for _, e := range rep.ErrorSamples {
				fmt.Fprintf(out, "  row %d: %s\n", e.RowIndex, e.Message)
			}
			for _, d := range rep.Duplicates {
				fmt.Fprintf(out, "  duplicate %s at rows %v\n", d.Key, d.RowIndexes)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Entity kind, e.g. product")
	cmd.Flags().StringVar(&fileRef, "file-ref", "", "Previously uploaded file reference")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (c *CLI) newExportCmd() *cobra.Command {
	var (
		kind    string
		filters []string
		sorts   []string
		wait    bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching entities to a CSV file",
		Example: `  catalogctl export -k product --filter price=gte:50 --sort -price --wait -o expensive.csv
  catalogctl export -k category`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := buildQuery(filters, sorts)
			if err != nil {
				return err
			}
			if output != "" {
				wait = true
			}
			req := job.Request{Kind: job.KindExport, EntityKind: kind, Query: q}
			j, err := c.submitAndReport(cmd, req, wait)
			if err != nil || output == "" {
				return err
			}
			return c.saveExport(cmd, j.FileRef, output)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Entity kind, e.g. product")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter as field=op:value (repeatable); op defaults to eq")
	cmd.Flags().StringSliceVar(&sorts, "sort", nil, "Sort fields, prefix with - for descending")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Download the finished export to this path (implies --wait)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status and row errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			var (
				j   jobResult
				err error
			)
			if wait {
				j, err = c.waitFor(cmd.Context(), cl, args[0])
			} else {
				j, err = cl.status(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return c.printJob(cmd.OutOrStdout(), j, true)
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	return cmd
}

func (c *CLI) newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := c.client().cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), j)
			}
			if j.Status.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", j.ID, j.Status)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cancellation requested; stops at the next batch\n", j.ID)
			}
			return nil
		},
	}
}

func (c *CLI) newJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := c.client().jobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tENTITY\tSTATUS\tOK\tFAILED\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					j.ID, j.Kind, j.EntityKind, j.Status, j.Report.Succeeded, j.Report.Failed,
					j.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs")
	return cmd
}

func (c *CLI) newKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List entity kinds and their fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := c.client().kinds(cmd.Context())
			if err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), kinds)
			}
			out := cmd.OutOrStdout()
			for _, k := range kinds {
				fmt.Fprintf(out, "%s (key: %s)\n", k.Kind, strings.Join(k.NaturalKey, ","))
				for _, f := range k.Fields {
					var flags []string
					if f.Required {
						flags = append(flags, "required")
					}
					if f.Queryable {
						flags = append(flags, "filter")
					}
					if f.Sortable {
						flags = append(flags, "sort")
					}
					fmt.Fprintf(out, "  %-10s %-8s %s\n", f.Name, f.Type, strings.Join(flags, " "))
				}
			}
			return nil
		},
	}
}

// submitAndReport submits req and prints the job, optionally after waiting.
// A finished job that did not complete cleanly is reported as an error so the
// exit status reflects it.
func (c *CLI) submitAndReport(cmd *cobra.Command, req job.Request, wait bool) (jobResult, error) {
	cl := c.client()
	j, err := cl.submit(cmd.Context(), req)
	if err != nil {
		return j, err
	}
	if !wait {
		if c.asJSON {
			return j, printJSON(cmd.OutOrStdout(), j)
		}
		fmt.Fprintln(cmd.OutOrStdout(), j.ID)
		return j, nil
	}

	j, err = c.waitFor(cmd.Context(), cl, j.ID)
	if err != nil {
		return j, err
	}
	if err := c.printJob(cmd.OutOrStdout(), j, false); err != nil {
		return j, err
	}
	switch j.Status {
	case job.StatusCompleted, job.StatusCompletedWithErrors:
		return j, nil
	default:
		return j, fmt.Errorf("job %s %s: %s", j.ID, j.Status, j.Reason)
	}
}

func (c *CLI) waitFor(ctx context.Context, cl *client, id string) (jobResult, error) {
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		j, err := cl.status(ctx, id)
		if err != nil || j.Status.Terminal() {
			return j, err
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *CLI) saveExport(cmd *cobra.Command, ref, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.client().download(cmd.Context(), ref, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func (c *CLI) printJob(w io.Writer, j jobResult, withErrors bool) error {
	if c.asJSON {
		return printJSON(w, j)
	}
	fmt.Fprintf(w, "%s %s %s: %s\n", j.ID, j.Kind, j.EntityKind, j.Status)
	if j.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", j.Reason)
	}
	fmt.Fprintf(w, "  %s\n", j.Report.Summary())
	if j.Kind == job.KindExport && j.FileRef != "" {
		fmt.Fprintf(w, "  file: %s\n", j.FileRef)
	}
	if !withErrors {
		return nil
	}
	for _, re := range j.Report.RowErrors {
		fmt.Fprintf(w, "  row %d: %s\n", re.RowIndex, re.Message)
	}
	if j.RowErrorsTruncated {
		fmt.Fprintf(w, "  ... %d more\n", j.Report.Failed-len(j.Report.RowErrors))
	}
	return nil
}

// buildQuery parses --filter field=op:value and --sort [-]field flags.
func buildQuery(filters, sorts []string) (repository.Query, error) {
	var q repository.Query
	for _, f := range filters {
		field, raw, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return q, fmt.Errorf("invalid filter %q: want field=op:value", f)
		}
		cond := repository.Condition{Field: strings.TrimSpace(field), Op: repository.OpEq, Value: raw}
		if prefix, rest, ok := strings.Cut(raw, ":"); ok {
			if op, valid := repository.ParseOperator(prefix); valid {
				cond.Op, cond.Value = op, rest
			}
		}
		q.Filter = append(q.Filter, cond)
	}
	for _, s := range sorts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		q.Sort = append(q.Sort, repository.SortSpec{Field: strings.TrimPrefix(s, "-"), Desc: strings.HasPrefix(s, "-")})
	}
	return q, nil
}
