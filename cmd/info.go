package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rastile/internal/server"
)

var infoCmd = &cobra.Command{
	Use:   "info FILE",
	Short: "Describe the entries and levels of a raster container",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().Bool("json", false, "print JSON instead of a table")
	viper.BindPFlag("info.json", infoCmd.Flags().Lookup("json"))
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := openContainer(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	ds := server.Describe(filepath.Base(args[0]), c)
	if viper.GetBool("info.json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ds)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %s\n", ds.Name, ds.Format, humanize.IBytes(uint64(ds.Size)))

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Entry", "Level", "Size", "Block", "Bands", "Type", "Compression", "Interleave", "Range", "Null"})
	for _, e := range ds.Entries {
		id := fmt.Sprintf("%d", e.Id)
		if e.Current {
			id += "*"
		}
		for _, l := range e.Levels {
			table.Append([]string{
				id,
				fmt.Sprintf("%d", l.Level),
				fmt.Sprintf("%dx%d", l.Width, l.Height),
				fmt.Sprintf("%dx%d", l.BlockWidth, l.BlockHeight),
				fmt.Sprintf("%d", e.Bands),
				e.ScalarType,
				e.Compression,
				e.Interleave,
				fmt.Sprintf("%g..%g", e.Min, e.Max),
				fmt.Sprintf("%g", e.Null),
			})
			id = ""
		}
	}
	table.Render()

	for _, s := range ds.Skipped {
		fmt.Fprintf(os.Stderr, "skipped entry %d level %d: %s\n", s.Entry, s.Level, s.Reason)
	}
	return nil
}
