package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/tofu/store"
)

// trustRecord is the printed form of a pinned server key.
type trustRecord struct {
	Host        string    `json:"host" yaml:"host"`
	Port        int       `json:"port" yaml:"port"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Expiry      time.Time `json:"expiry" yaml:"expiry"`
}

func newTrustRecord(r store.TrustRecord) trustRecord {
	return trustRecord{Host: r.Host, Port: r.Port, Fingerprint: r.Fingerprint, Expiry: r.Expiry}
}

// MakeTrustCommand returns the command group inspecting and updating pinned
// server keys.
func MakeTrustCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and update trusted server certificates",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pinned server keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				recs, err := env.verifier.Records()
				if err != nil {
					return err
				}
				out := make([]trustRecord, 0, len(recs))
				for _, r := range recs {
					out = append(out, newTrustRecord(r))
				}
				if ok, err := printStructured(cmd.OutOrStdout(), format, out); ok || err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "HOST\tPORT\tFINGERPRINT\tEXPIRY")
				for _, r := range out {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Host, r.Port, r.Fingerprint, r.Expiry.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	acceptCmd := &cobra.Command{
		Use:   "accept URL",
		Short: "Connect to URL and trust the certificate the server presents now",
		Long: `Connect to URL and trust the certificate the server presents now.

If the pinned key for the server differs from the one it presents, the new
key replaces it. Nothing changes when the server is already trusted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				return env.acceptCertificate(cmd, args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, acceptCmd)
	return cmd
}

func (env *environment) acceptCertificate(cmd *cobra.Command, rawURL string) error {
	out, err := env.client.Fetch(cmd.Context(), rawURL, "")
	if err != nil {
		return err
	}

	switch o := out.(type) {
	case gemini.TofuWarning:
		if err := env.verifier.AcceptNewCertificate(o.Host, o.Port, o.NewFingerprint, o.NewExpiry); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "trusting %s:%d with key %s\n", o.Host, o.Port, o.NewFingerprint)
		return nil
	case gemini.TofuDomainMismatch:
		return fmt.Errorf("certificate for %s names %v; use fetch --bypass-domain", o.Host, o.CertDomains)
	case gemini.TofuExpired:
		return fmt.Errorf("certificate for %s expired at %s", o.Host, o.ExpiredAt.Format(time.RFC3339))
	case gemini.TofuNotYetValid:
		return fmt.Errorf("certificate for %s is valid from %s", o.Host, o.NotBefore.Format(time.RFC3339))
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "already trusted\n")
		return nil
	}
}
