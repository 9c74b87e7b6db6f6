package commands

import (
	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/libs/log"
)

// MakeInitCommand returns the command that writes the default config file
// and creates the data directories.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the gemcap home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.EnsureRoot(conf.RootDir)

			written, err := config.WriteConfigFileIfNone(conf.RootDir)
			if err != nil {
				return err
			}
			if written {
				logger.Info("Generated config", "path", config.ConfigFilePath(conf.RootDir))
			} else {
				logger.Info("Found config", "path", config.ConfigFilePath(conf.RootDir))
			}
			return nil
		},
	}
}
