package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"maskflow/internal/config"
	"maskflow/internal/flow"
	"maskflow/internal/model"
	"maskflow/internal/trainer"
)

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the node table of both flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			mc := trainer.FromConfig(cfg).Model
			seg, err := model.NewSegmentationFlow(mc)
			if err != nil {
				return err
			}
			prior, err := model.NewPriorFlow(mc)
			if err != nil {
				return err
			}
			writeGraphTable(cmd.OutOrStdout(), seg.Graph, prior.Graph)
			return nil
		},
	}
}

func writeGraphTable(w io.Writer, graphs ...*flow.Graph) {
	var data [][]string
	total := 0
	for _, g := range graphs {
		for _, n := range g.Describe() {
			params := "-"
			if n.Params > 0 {
				params = humanize.Comma(int64(n.Params))
			}
			data = append(data, []string{g.Name(), n.Name, string(n.Kind), formatDims(n.OutDims), params})
		}
		total += g.NumParams()
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"GRAPH", "NODE", "KIND", "OUTPUT", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\ntotal parameters: %s\n", humanize.Comma(int64(total)))
}

func formatDims(dims [][]int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		s := make([]string, len(d))
		for k, v := range d {
			s[k] = fmt.Sprint(v)
		}
		parts[i] = "(" + strings.Join(s, ",") + ")"
	}
	return strings.Join(parts, " ")
}
