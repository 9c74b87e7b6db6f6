package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gemcap/gemcap/libs/cli"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func outputFormat(cmd *cobra.Command) (string, error) {
	format, err := cmd.Flags().GetString(cli.OutputFlag)
	if err != nil {
		return "", err
	}
	switch format {
	case outputText, outputJSON, outputYAML:
		return format, nil
	default:
		return "", fmt.Errorf("unknown output format %q (must be text, json or yaml)", format)
	}
}

// printStructured writes v as JSON or YAML. It reports false for text output,
// which each command renders itself.
func printStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}
