package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sliverarmory/dlflash"
)

var (
	cfg        dlflash.Config
	configFile string
	logLevel   string
	device     int

	fs afero.Fs = afero.NewOsFs()
)

var rootCmd = &cobra.Command{
	Use:          "dlflash",
	Short:        "Load ELF modules into flash module chains and inspect them",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return nil
		}
		// Flags given on the command line win over the file.
		changed := map[string]string{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
		if err := dlflash.LoadConfig(fs, configFile, &cfg); err != nil {
			return err
		}
		for name, v := range changed {
			if err := cmd.Flags().Set(name, v); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	cfg.RegisterFlags(pf)
	pf.StringVar(&configFile, "config.file", "", "YAML file to read the configuration from.")
	pf.StringVar(&logLevel, "log.level", "info", "Only log messages with the given severity or above. One of: [debug, info, warn, error]")
	pf.IntVarP(&device, "device", "d", 0, "Device index: 0 for flash, 1 for PSRAM.")
}

func newLogger() (log.Logger, error) {
	lvl, err := level.Parse(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(logger, level.Allow(lvl)), nil
}

// withRuntime opens the configured devices for the duration of fn.
func withRuntime(fn func(rt *dlflash.Runtime) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	rt, err := dlflash.New(cfg, dlflash.WithLogger(logger), dlflash.WithFs(fs))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
