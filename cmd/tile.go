package cmd

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rastile/internal/stitch"
	"github.com/kiesman99/rastile/pkg/raster"
	"github.com/kiesman99/rastile/pkg/tile"
)

var tileCmd = &cobra.Command{
	Use:   "tile FILE",
	Short: "Read one tile and write it as PNG or raw samples",
	Long: `Read the pixels of one rectangle at a decimation level and write them out.

Pixels outside the image come back as the null value. PNG output stretches
each band over its valid range; raw output writes the band planes back to
back in host byte order.`,
	Args: cobra.ExactArgs(1),
	RunE: runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)

	tileCmd.Flags().Int("entry", -1, "entry id (default: first usable entry)")
	tileCmd.Flags().Int("level", 0, "decimation level")
	tileCmd.Flags().Int("x", 0, "left edge in level pixels")
	tileCmd.Flags().Int("y", 0, "top edge in level pixels")
	tileCmd.Flags().Int("width", 256, "tile width")
	tileCmd.Flags().Int("height", 256, "tile height")
	tileCmd.Flags().IntSlice("bands", nil, "output band list, e.g. 2,1,0")
	tileCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	tileCmd.Flags().StringP("format", "f", "png", "output format (png|raw)")

	viper.BindPFlag("tile.entry", tileCmd.Flags().Lookup("entry"))
	viper.BindPFlag("tile.level", tileCmd.Flags().Lookup("level"))
	viper.BindPFlag("tile.x", tileCmd.Flags().Lookup("x"))
	viper.BindPFlag("tile.y", tileCmd.Flags().Lookup("y"))
	viper.BindPFlag("tile.width", tileCmd.Flags().Lookup("width"))
	viper.BindPFlag("tile.height", tileCmd.Flags().Lookup("height"))
	viper.BindPFlag("tile.bands", tileCmd.Flags().Lookup("bands"))
	viper.BindPFlag("tile.output", tileCmd.Flags().Lookup("output"))
	viper.BindPFlag("tile.format", tileCmd.Flags().Lookup("format"))
}

// selectEntry applies the entry and band list options to c.
func selectEntry(c *raster.Container, entry int, bands []int) error {
	if entry >= 0 {
		if err := c.SetCurrentEntry(entry); err != nil {
			return err
		}
	}
	if len(bands) > 0 {
		return c.SetOutputBandList(bands)
	}
	return nil
}

func runTile(cmd *cobra.Command, args []string) error {
	width, height := viper.GetInt("tile.width"), viper.GetInt("tile.height")
	if width <= 0 || height <= 0 {
		return fmt.Errorf("width/height less than 1: %d %d", width, height)
	}

	c, err := openContainer(args[0])
	if err != nil {
		return err
	}
	defer c.Close()
	if err := selectEntry(c, viper.GetInt("tile.entry"), viper.GetIntSlice("tile.bands")); err != nil {
		return err
	}

	level := viper.GetInt("tile.level")
	x, y := viper.GetInt("tile.x"), viper.GetInt("tile.y")
	t, err := c.GetTile(image.Rect(x, y, x+width, y+height), level)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"entry":  c.CurrentEntry(),
		"level":  level,
		"rect":   t.Rect.String(),
		"status": t.Status,
	}).Info("read tile")

	output := viper.GetString("tile.output")
	switch format := viper.GetString("tile.format"); format {
	case stitch.FormatPNG:
		st := tile.Stretch{}
		if t.Scalar != tile.Uint8 {
			for b := 0; b < t.Bands; b++ {
				st.Min = append(st.Min, c.MinPixelValue(b))
				st.Max = append(st.Max, c.MaxPixelValue(b))
			}
		}
		return tile.WritePNG(output, tile.ToImage(t, st))
	case stitch.FormatRaw:
		var buf bytes.Buffer
		if err := tile.WriteRaw(&buf, t); err != nil {
			return err
		}
		if output == "" {
			_, err := os.Stdout.Write(buf.Bytes())
			return err
		}
		return os.WriteFile(output, buf.Bytes(), 0o644)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}
