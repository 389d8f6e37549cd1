package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsdeck/internal/dashboard"
	"opsdeck/internal/domain"
	"opsdeck/internal/export"
	"opsdeck/internal/view"
)

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Manage records",
		Long:  "Records are validated against their entity before they reach the store. Every command works inside the dashboard that has a tab for --kind.",
	}
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordUpdateCmd())
	rec.AddCommand(recordDeleteCmd())
	rec.AddCommand(recordListCmd())
	return rec
}

type recordFields struct {
	name, code, description string
	status, priority        string
	category                string
	metrics, flags, attrs   []string
}

func (f *recordFields) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "record name")
	cmd.Flags().StringVar(&f.code, "code", "", "short code")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVar(&f.status, "status", "", "status (defaults to the entity default)")
	cmd.Flags().StringVar(&f.priority, "priority", "", "priority (critical, high, medium, low)")
	cmd.Flags().StringVar(&f.category, "category", "", "category")
	cmd.Flags().StringArrayVar(&f.metrics, "metric", nil, "metric name=number (repeatable)")
	cmd.Flags().StringArrayVar(&f.flags, "flag", nil, "flag name[=bool] (repeatable)")
	cmd.Flags().StringArrayVar(&f.attrs, "attr", nil, "attribute name=value (repeatable)")
}

func (f *recordFields) maps() (map[string]float64, map[string]bool, map[string]string, error) {
	m, err := parseMetrics(f.metrics)
	if err != nil {
		return nil, nil, nil, err
	}
	fl, err := parseFlags(f.flags)
	if err != nil {
		return nil, nil, nil, err
	}
	at, err := parseAttributes(f.attrs)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, fl, at, nil
}

func (f *recordFields) record(kind string) (domain.Record, error) {
	p, err := domain.ParsePriority(f.priority)
	if err != nil {
		return domain.Record{}, err
	}
	m, fl, at, err := f.maps()
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{
		Kind:        kind,
		Name:        f.name,
		Code:        f.code,
		Description: f.description,
		Status:      f.status,
		Priority:    p,
		Category:    f.category,
		Metrics:     m,
		Flags:       fl,
		Attributes:  at,
	}, nil
}

// patch sets only the fields whose flags were given.
func (f *recordFields) patch(cmd *cobra.Command) (domain.Patch, error) {
	var p domain.Patch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("code") {
		p.Code = &f.code
	}
	if changed("description") {
		p.Description = &f.description
	}
	if changed("status") {
		p.Status = &f.status
	}
	if changed("priority") {
		pr, err := domain.ParsePriority(f.priority)
		if err != nil {
			return p, err
		}
		p.Priority = &pr
	}
	if changed("category") {
		p.Category = &f.category
	}
	m, fl, at, err := f.maps()
	if err != nil {
		return p, err
	}
	p.Metrics, p.Flags, p.Attributes = m, fl, at
	return p, nil
}

func recordCreateCmd() *cobra.Command {
	var kind, dash string
	var f recordFields
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			rec, err := f.record(kind)
			if err != nil {
				return err
			}
			return withShell(cmd, dash, kind, false, func(ctx context.Context, sh *dashboard.Shell) error {
				created, err := sh.Create(ctx, rec)
				printNotes(cmd, sh)
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), created)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	f.bind(cmd)
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var kind, dash string
	var expected int
	var f recordFields
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			patch, err := f.patch(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("expected-version") {
				patch.ExpectedVersion = &expected
			}
			if patch.IsEmpty() {
				return fmt.Errorf("nothing to update")
			}
			return withShell(cmd, dash, kind, false, func(ctx context.Context, sh *dashboard.Shell) error {
				updated, err := sh.Update(ctx, args[0], patch)
				printNotes(cmd, sh)
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), updated)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	cmd.Flags().IntVar(&expected, "expected-version", 0, "fail unless the stored version matches")
	f.bind(cmd)
	return cmd
}

func recordDeleteCmd() *cobra.Command {
	var kind, dash string
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withShell(cmd, dash, kind, false, func(ctx context.Context, sh *dashboard.Shell) error {
				id := args[0]
				if err := sh.RequestDelete(id); err != nil {
					return err
				}
				if !yes {
					ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Delete %s %s?", kind, id))
					if err != nil {
						return err
					}
					if !ok {
						sh.Close()
						fmt.Fprintln(cmd.ErrOrStderr(), "aborted")
						return nil
					}
				}
				err := sh.Confirm(ctx)
				printNotes(cmd, sh)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": id})
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

type filterFlags struct {
	q, status, category string
	flags               []string
}

func (f *filterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.q, "query", "q", "", "search text")
	cmd.Flags().StringVar(&f.status, "status", view.All, "status filter")
	cmd.Flags().StringVar(&f.category, "category", view.All, "category filter")
	cmd.Flags().StringArrayVar(&f.flags, "flag", nil, "flag filter name[=bool] (repeatable)")
}

func (f *filterFlags) apply(sh *dashboard.Shell) error {
	sh.SetSearch(f.q)
	if err := sh.SetStatusFilter(f.status); err != nil {
		return err
	}
	if err := sh.SetCategory(f.category); err != nil {
		return err
	}
	flags, err := parseFlags(f.flags)
	if err != nil {
		return err
	}
	for name, want := range flags {
		sh.SetFlag(name, want)
	}
	return nil
}

func recordListCmd() *cobra.Command {
	var kind, dash string
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records of a kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withShell(cmd, dash, kind, false, func(ctx context.Context, sh *dashboard.Shell) error {
				if err := f.apply(sh); err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), sh.View().Records)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	f.bind(cmd)
	return cmd
}

func printRecord(w io.Writer, r domain.Record) error {
	if viper.GetBool("json") {
		return printJSON(w, r)
	}
	return printRecords(w, []domain.Record{r})
}

func printRecords(w io.Writer, records []domain.Record) error {
	if records == nil {
		records = []domain.Record{}
	}
	return printJSONOrTable(w, records, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Code", "Status", "Priority", "Category", "Version", "Updated"})
		for _, r := range records {
			tw.AppendRow(table.Row{r.ID, r.Kind, r.Name, r.Code, r.Status, r.Priority, r.Category, r.Version, r.UpdatedAt})
		}
	})
}

func viewCmd() *cobra.Command {
	var kind, dash string
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show a dashboard tab: summary cards and records by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShell(cmd, dash, kind, true, func(ctx context.Context, sh *dashboard.Shell) error {
				if err := f.apply(sh); err != nil {
					return err
				}
				v := sh.View()
				w := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(w, map[string]any{
						"dashboard": sh.Name(),
						"title":     sh.Title(),
						"tabs":      sh.Tabs(),
						"view":      v,
					})
				}
				renderView(w, sh, v)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "tab to show (defaults to the dashboard's first tab)")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	f.bind(cmd)
	return cmd
}

func renderView(w io.Writer, sh *dashboard.Shell, v view.View[domain.Record]) {
	fmt.Fprintf(w, "%s (%s)\n", sh.Title(), sh.Name())

	tabs := table.NewWriter()
	tabs.SetOutputMirror(w)
	tabs.AppendHeader(table.Row{"", "Tab", "Records"})
	for _, t := range sh.Tabs() {
		mark := ""
		if t.Kind == v.Kind {
			mark = "*"
		}
		tabs.AppendRow(table.Row{mark, t.Label, t.Count})
	}
	tabs.Render()

	cards := table.NewWriter()
	cards.SetOutputMirror(w)
	cards.AppendHeader(table.Row{"Summary", "Value"})
	for _, c := range v.Summary.Cards {
		cards.AppendRow(table.Row{c.Label, c.Value})
	}
	cards.Render()

	rows := table.NewWriter()
	rows.SetOutputMirror(w)
	rows.AppendHeader(table.Row{"Status", "ID", "Name", "Code", "Priority", "Category"})
	for _, status := range v.Groups.Order {
		for _, r := range v.Groups.Buckets[status] {
			rows.AppendRow(table.Row{status, r.ID, r.Name, r.Code, r.Priority, r.Category})
		}
	}
	rows.Render()
	if v.Groups.Unrecognized > 0 {
		fmt.Fprintf(w, "%d record(s) with other statuses\n", v.Groups.Unrecognized)
	}
}

func exportCmd() *cobra.Command {
	var kind, dash, format, out string
	var stats bool
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a tab as CSV or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			fmtName, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return withShell(cmd, dash, kind, false, func(ctx context.Context, sh *dashboard.Shell) error {
				if err := f.apply(sh); err != nil {
					return err
				}
				v := sh.View()
				e, _ := sh.Entity(kind)

				var w io.Writer = cmd.OutOrStdout()
				if out != "" && out != "-" {
					file, err := os.Create(out)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if stats {
					err = export.StatsCSV(w, v.Summary)
				} else {
					err = export.Write(w, fmtName, e, v, time.Now())
				}
				if err != nil {
					return err
				}
				if out != "" && out != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d %s record(s) to %s\n", len(v.Records), kind, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entity kind")
	cmd.Flags().StringVar(&dash, "dashboard", "", "dashboard (defaults to the first with a --kind tab)")
	cmd.Flags().StringVar(&format, "format", export.FormatCSV, "csv or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&stats, "stats", false, "export the summary cards as label,value CSV")
	f.bind(cmd)
	return cmd
}
