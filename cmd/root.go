package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/rastile/pkg/raster"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rastile",
	Short: "Read tiles out of TIFF and NITF raster containers",
	Long: `rastile reads rectangular tiles of pixels out of tiled raster containers.

TIFF, BigTIFF, NITF 2.1 and NSIF 1.0 files are supported, including
reduced-resolution levels, bit-packed samples, lookup tables, vector
quantized and JPEG compressed NITF images.

Examples:
  # Describe the entries and levels of a file
  rastile info image.ntf

  # Cut a 512x512 tile at level 0 of entry 1 into a PNG
  rastile tile image.ntf --entry 1 --x 1024 --y 512 --width 512 --height 512 -o tile.png

  # Export a whole reduced-resolution level
  rastile export image.tif --level 2 -o overview.png

  # Start HTTP server
  rastile serve image.ntf other.tif --port 8080`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rastile.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("cache", true, "cache decoded blocks")
	rootCmd.PersistentFlags().String("cache-budget", "64MiB", "decoded block memory per entry")
	rootCmd.PersistentFlags().Bool("mmap", false, "memory-map input files")
	rootCmd.PersistentFlags().Bool("palette", true, "expand TIFF color palettes to RGB")
	rootCmd.PersistentFlags().Bool("edge-clip-with-offset", false, "clip trailing blocks of offset sub-images")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("cache.enabled", rootCmd.PersistentFlags().Lookup("cache"))
	viper.BindPFlag("cache.budget", rootCmd.PersistentFlags().Lookup("cache-budget"))
	viper.BindPFlag("read.mmap", rootCmd.PersistentFlags().Lookup("mmap"))
	viper.BindPFlag("palette.apply", rootCmd.PersistentFlags().Lookup("palette"))
	viper.BindPFlag("edge.clip_with_offset", rootCmd.PersistentFlags().Lookup("edge-clip-with-offset"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".rastile" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rastile")
	}

	viper.SetEnvPrefix("rastile")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setupLogging() error {
	log.SetHandler(cli.New(os.Stderr))
	level, err := log.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return errors.Wrapf(err, "log level %q", viper.GetString("log.level"))
	}
	log.SetLevel(level)
	return nil
}

// openContainer opens path with the configured reader options.
func openContainer(path string) (*raster.Container, error) {
	budget, err := humanize.ParseBytes(viper.GetString("cache.budget"))
	if err != nil {
		return nil, errors.Wrapf(err, "cache budget %q", viper.GetString("cache.budget"))
	}
	opts := []raster.Option{
		raster.WithLogger(log.Log),
		raster.WithCacheBudget(int64(budget)),
		raster.WithMmap(viper.GetBool("read.mmap")),
		raster.WithApplyPalette(viper.GetBool("palette.apply")),
		raster.WithEdgeClipWithOffset(viper.GetBool("edge.clip_with_offset")),
	}
	if viper.IsSet("cache.enabled") && !viper.GetBool("cache.enabled") {
		opts = append(opts, raster.WithCacheEnabled(false))
	}
	return raster.Open(path, opts...)
}
