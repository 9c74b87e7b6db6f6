package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/version"
)

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return err
		}
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		}
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		if format == outputText {
			format = outputJSON
		}
		_, err = printStructured(cmd.OutOrStdout(), format, version.Get())
		return err
	},
}

func init() {
	VersionCmd.Flags().BoolP("verbose", "v", false, "Show build information")
}
