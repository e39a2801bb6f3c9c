package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/hawkdelights/cake-orders/config"
	"github.com/hawkdelights/cake-orders/engine"
	"github.com/hawkdelights/cake-orders/filter"
	"github.com/hawkdelights/cake-orders/mbox"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/stats"
)

type extractOptions struct {
	outputDir string
	verbose   bool
	timezone  string
	specs     string
	layouts   []string
	subject   string
	topN      int
}

// NewExtractCommand parses .eml files or mbox archives offline and prints
// the orders found. The calendar is never touched.
func NewExtractCommand() *cobra.Command {
	opts := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract FILE...",
		Short: "Extract cake orders from .eml files or mbox archives without scheduling them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.OutOrStdout(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.outputDir, "output", "o", "", "Write orders.csv and failures.csv to this directory")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Show the raw value and lookup strategy of every field")
	flags.StringVar(&opts.timezone, "timezone", config.DefaultTimezone, "IANA timezone of the bakery")
	flags.StringVar(&opts.specs, "field-specs", "", "YAML file overriding the built-in field labels and terminators")
	flags.StringArrayVar(&opts.layouts, "datetime-layout", nil, "Additional Go time layout accepted for the pickup time (repeatable)")
	flags.StringVar(&opts.subject, "subject", "", "Only messages whose subject contains this text")
	flags.IntVarP(&opts.topN, "top", "t", 5, "Number of rejection reasons to list")
	return cmd
}

func runExtract(out io.Writer, opts *extractOptions, paths []string) error {
	eng, err := NewEngine(opts.timezone, opts.specs, opts.layouts, nil)
	if err != nil {
		return err
	}
	flt, err := filter.New(filter.Options{SubjectContains: opts.subject})
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	msgs, err := loadMessages(paths, flt)
	if err != nil {
		return err
	}

	batch := eng.ProcessBatch(msgs, nil)

	if opts.verbose {
		for _, msg := range msgs {
			printTrace(out, eng.Process(msg))
		}
	}

	if err := printBatch(out, batch, opts.topN); err != nil {
		return err
	}

	if opts.outputDir != "" {
		if err := stats.WriteReports(opts.outputDir, batch.Orders, batch.Failures); err != nil {
			return fmt.Errorf("write reports: %w", err)
		}
		fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.outputDir)
	}
	return nil
}

func loadMessages(paths []string, flt *filter.Filter) ([]model.Message, error) {
	var msgs []model.Message
	for _, path := range paths {
		archive, err := mbox.IsArchive(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		if archive {
			err := mbox.Read(path, func(m model.Message) error {
				if flt.AllowsRaw(m.Raw) {
					msgs = append(msgs, m)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("read mbox %s: %w", path, err)
			}
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if flt.AllowsRaw(raw) {
			msgs = append(msgs, mbox.ParseMessage(raw))
		}
	}
	return msgs, nil
}

func printTrace(out io.Writer, res engine.Result) {
	fmt.Fprintf(out, "%s [%s]\n", res.MessageID, res.State)
	for _, f := range model.Fields {
		c := res.Candidates.Get(f)
		if !c.Present() {
			fmt.Fprintf(out, "  %-8s (absent)\n", f)
			continue
		}
		fmt.Fprintf(out, "  %-8s %q via %s (%s)\n", f, c.Value, c.Label, c.Strategy)
	}
	if !res.OK() {
		fmt.Fprintf(out, "  rejected: %s %s\n", res.Failure.Field, res.Failure.Reason)
	}
}

func printBatch(out io.Writer, batch engine.Batch, topN int) error {
	if len(batch.Orders) > 0 {
		data := pterm.TableData{{"Pickup", "Customer", "Cake", "Message"}}
		for _, o := range batch.Orders {
			data = append(data, []string{o.PickupAt().Format("Mon Jan 2, 2006 3:04 PM MST"), o.CustomerName(), o.CakeType(), o.MessageID()})
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return fmt.Errorf("render orders: %w", err)
		}
		fmt.Fprintln(out, table)
	}

	if len(batch.Failures) > 0 {
		data := pterm.TableData{{"Message", "Field", "Reason", "Raw"}}
		reasons := make(map[string]int)
		for _, f := range batch.Failures {
			data = append(data, []string{f.MessageID, string(f.Field), string(f.Reason), f.Raw})
			reasons[string(f.Field)+"/"+string(f.Reason)]++
		}
		table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
		if err != nil {
			return fmt.Errorf("render failures: %w", err)
		}
		fmt.Fprintln(out, table)

		fmt.Fprintf(out, "Top %d rejection reasons:\n", topN)
		stats.PrettyPrintTop(out, reasons, topN)
	}

	fmt.Fprintln(out, batch.Summary())
	return nil
}
