package cmd

import (
	"image"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rastile/internal/stitch"
	"github.com/kiesman99/rastile/pkg/tile"
)

var exportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export a whole level, or a region of it, as one image",
	Long: `Export assembles a level from tiles read concurrently and writes one
PNG or raw image.

Examples:
  # Export the second reduced-resolution level
  rastile export image.tif --level 2 -o overview.png

  # Export a region of entry 3 with eight workers
  rastile export image.ntf --entry 3 --region 0,0,4096,4096 --workers 8 -o region.png`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().Int("entry", -1, "entry id (default: first usable entry)")
	exportCmd.Flags().Int("level", 0, "decimation level")
	exportCmd.Flags().IntSlice("region", nil, "region as 'min-x,min-y,max-x,max-y' (default: whole level)")
	exportCmd.Flags().IntSlice("bands", nil, "output band list, e.g. 2,1,0")
	exportCmd.Flags().Int("workers", 4, "concurrent tile reads")
	exportCmd.Flags().Int("chunk", 512, "edge of the tiles read per worker")
	exportCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	exportCmd.Flags().StringP("format", "f", "png", "output format (png|raw)")

	viper.BindPFlag("export.entry", exportCmd.Flags().Lookup("entry"))
	viper.BindPFlag("export.level", exportCmd.Flags().Lookup("level"))
	viper.BindPFlag("export.region", exportCmd.Flags().Lookup("region"))
	viper.BindPFlag("export.bands", exportCmd.Flags().Lookup("bands"))
	viper.BindPFlag("export.workers", exportCmd.Flags().Lookup("workers"))
	viper.BindPFlag("export.chunk", exportCmd.Flags().Lookup("chunk"))
	viper.BindPFlag("export.output", exportCmd.Flags().Lookup("output"))
	viper.BindPFlag("export.format", exportCmd.Flags().Lookup("format"))
}

func runExport(cmd *cobra.Command, args []string) error {
	var region image.Rectangle
	if r := viper.GetIntSlice("export.region"); len(r) > 0 {
		if len(r) != 4 {
			return cmd.Usage()
		}
		region = image.Rect(r[0], r[1], r[2], r[3])
	}

	c, err := openContainer(args[0])
	if err != nil {
		return err
	}
	defer c.Close()
	if err := selectEntry(c, viper.GetInt("export.entry"), viper.GetIntSlice("export.bands")); err != nil {
		return err
	}

	opts := &stitch.Options{
		Entry:     c.CurrentEntry(),
		Level:     viper.GetInt("export.level"),
		Region:    region,
		ChunkSize: viper.GetInt("export.chunk"),
		Workers:   viper.GetInt("export.workers"),
		Format:    viper.GetString("export.format"),
		Output:    viper.GetString("export.output"),
	}
	d, err := c.Descriptor(opts.Level)
	if err != nil {
		return err
	}
	if d.OutputScalar() != tile.Uint8 {
		bands := len(c.OutputBandList())
		for b := 0; b < bands; b++ {
			opts.Stretch.Min = append(opts.Stretch.Min, c.MinPixelValue(b))
			opts.Stretch.Max = append(opts.Stretch.Max, c.MaxPixelValue(b))
		}
	}

	return stitch.NewStitcher(c, opts, nil).Export(cmd.Context())
}
