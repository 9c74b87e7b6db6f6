package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/libs/cli"
	"github.com/gemcap/gemcap/libs/log"
)

// ParseConfig retrieves the default environment configuration,
// sets up the gemcap root and ensures that the root exists
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point for gemcap.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gemcap",
		Short:         "Gemini client with trust-on-first-use and client certificates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			if err := cli.BindFlagsLoadViper(cmd, args); err != nil {
				return err
			}

			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			config.EnsureRoot(conf.RootDir)
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
	}
	cli.AddPersistentFlags(cmd, os.ExpandEnv(filepath.Join("$HOME", config.DefaultGemcapDir)), conf.LogLevel, outputText)
	cobra.OnInitialize(func() { cli.InitEnv("GEMCAP") })
	return cmd
}
