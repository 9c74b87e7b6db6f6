package commands

import (
	"fmt"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/identity"
	"github.com/gemcap/gemcap/libs/log"
)

// MakeIdentityCommand returns the command group managing client
// certificates.
func MakeIdentityCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"id"},
		Short:   "Manage client certificates",
	}

	var params identity.GenerateParams
	generateCmd := &cobra.Command{
		Use:   "generate COMMON_NAME",
		Short: "Generate a new self-signed client certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				p := params
				p.CommonName = args[0]
				if p.ValidityYears == 0 {
					p.ValidityYears = conf.Identity.ValidityYears
				}
				id, err := env.identities.Generate(p)
				if err != nil {
					return err
				}
				return printIdentities(cmd, []identity.Identity{id})
			})
		},
	}
	generateCmd.Flags().StringVar(&params.Email, "email", "", "email address in the subject")
	generateCmd.Flags().StringVar(&params.Organization, "org", "", "organization in the subject")
	generateCmd.Flags().StringVar(&params.Country, "country", "", "two-letter country code in the subject")
	generateCmd.Flags().IntVar(&params.ValidityYears, "years", 0, "validity in years (default from config)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List client certificates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				ids, err := env.identities.List()
				if err != nil {
					return err
				}
				return printIdentities(cmd, ids)
			})
		},
	}

	var scopeType string
	scopeFlag := func(c *cobra.Command) {
		c.Flags().StringVar(&scopeType, "scope", identity.Domain.String(), "scope type: domain, directory or page")
	}

	useCmd := &cobra.Command{
		Use:   "use ALIAS URL",
		Short: "Present an identity for a domain, directory or page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(scopeType, args[1])
			if err != nil {
				return err
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				if err := env.identities.AddUsage(args[0], scope); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now used for %s (%s)\n", args[0], scope, scope.Type)
				return nil
			})
		},
	}
	scopeFlag(useCmd)

	unuseCmd := &cobra.Command{
		Use:   "unuse ALIAS URL",
		Short: "Stop presenting an identity for a domain, directory or page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(scopeType, args[1])
			if err != nil {
				return err
			}
			return withEnvironment(conf, logger, func(env *environment) error {
				return env.identities.RemoveUsage(args[0], scope)
			})
		},
	}
	scopeFlag(unuseCmd)

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ALIAS",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnvironment(conf, logger, func(env *environment) error {
					return env.identities.SetActive(args[0], active)
				})
			},
		}
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ALIAS",
		Short: "Delete an identity and its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				return env.identities.Delete(args[0])
			})
		},
	}

	cmd.AddCommand(
		generateCmd,
		listCmd,
		useCmd,
		unuseCmd,
		setActive("activate", "Allow an identity to be selected automatically", true),
		setActive("deactivate", "Stop selecting an identity automatically", false),
		deleteCmd,
	)
	return cmd
}

// withEnvironment runs fn with a freshly loaded environment and closes it
// afterwards.
func withEnvironment(conf *config.Config, logger log.Logger, fn func(*environment) error) error {
	env, err := loadEnvironment(conf, logger)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

// parseScope builds a usage scope of the given type from rawURL. Directory
// scopes cover the directory holding the URL's path.
func parseScope(scopeType, rawURL string) (identity.UsageScope, error) {
	t, err := identity.ParseScopeType(scopeType)
	if err != nil {
		return identity.UsageScope{}, err
	}
	u, err := gemini.NormalizeURL(rawURL)
	if err != nil {
		return identity.UsageScope{}, err
	}

	scope := identity.UsageScope{Host: u.Hostname(), Type: t}
	switch t {
	case identity.Directory:
		dir := u.Path
		if !strings.HasSuffix(dir, "/") {
			dir = path.Dir(dir)
			if dir != "/" {
				dir += "/"
			}
		}
		scope.Path = dir
	case identity.Page:
		scope.Path = u.Path
	}
	return scope, nil
}

func printIdentities(cmd *cobra.Command, ids []identity.Identity) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if ok, err := printStructured(cmd.OutOrStdout(), format, ids); ok || err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tNAME\tACTIVE\tEXPIRES\tUSAGES")
	for _, id := range ids {
		usages := make([]string, 0, len(id.Usages))
		for _, u := range id.Usages {
			usages = append(usages, u.Type.String()+":"+u.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n",
			id.Alias, id.CommonName, id.Active, id.ExpiresAt.Format(time.RFC3339), strings.Join(usages, ","))
	}
	return tw.Flush()
}
