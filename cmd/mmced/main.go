package main

import (
	"os"

	"github.com/speters/mmced/pkg/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose  bool
	cfgFile  string
	linkFlag string
	unitFlag int
)

// To be set via go build -ldflags "-X main.buildVersion=$(git describe --dirty) -X main.buildDate=$(date -u +%FT%TZ)"
var buildVersion = "unspecified"
var buildDate = "unknown"

var rootCmd = &cobra.Command{
	Use:           "mmced",
	Short:         "Access MMCE memory card devices through the SIO2 controller",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp: true,
			})
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	pf.StringVarP(&cfgFile, "config", "f", "", "read settings from TOML `file`")
	pf.StringVarP(&linkFlag, "link", "c", "", "connection string: emu://<dir>, socket://[host]:[port] or [serialDevice]")
	pf.IntVarP(&unitFlag, "unit", "u", 0, "logical unit (0 = port 2, 1 = port 3)")

	for _, name := range verbNames() {
		rootCmd.AddCommand(verbCommand(name, verbs[name]))
	}
	rootCmd.AddCommand(serveCmd, shellCmd, bridgeCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if linkFlag != "" {
		cfg.Link = linkFlag
	}
	return cfg, cfg.Validate()
}

// verbCommand wraps a session verb as a one-shot command
func verbCommand(name string, v verb) *cobra.Command {
	use := name
	if v.usage != "" {
		use += " " + v.usage
	}
	return &cobra.Command{
		Use:   use,
		Short: v.short,
		Args:  cobra.MinimumNArgs(v.args),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStack(cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			s := &session{fs: st.drv.FS, unit: unitFlag}
			return v.run(s, cmd.OutOrStdout(), args)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
