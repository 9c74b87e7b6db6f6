package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/gemini/gemtext"
	"github.com/gemcap/gemcap/libs/log"
)

// maxPrompts bounds the follow-up requests made for one URL after accepting
// a certificate, bypassing a domain check or answering an input prompt.
const maxPrompts = 3

type fetchFlags struct {
	identity     string
	input        string
	acceptCert   bool
	bypassDomain bool
	raw          bool
}

// fetchResult is the rendering of one fetched URL.
type fetchResult struct {
	URL       string     `json:"url" yaml:"url"`
	FinalURL  string     `json:"final_url,omitempty" yaml:"final_url,omitempty"`
	Outcome   string     `json:"outcome" yaml:"outcome"`
	Status    int        `json:"status,omitempty" yaml:"status,omitempty"`
	Meta      string     `json:"meta,omitempty" yaml:"meta,omitempty"`
	Title     string     `json:"title,omitempty" yaml:"title,omitempty"`
	Body      string     `json:"body,omitempty" yaml:"body,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty" yaml:"retry_at,omitempty"`
	Matching  []string   `json:"matching_identities,omitempty" yaml:"matching_identities,omitempty"`
	Detail    string     `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	Succeeded bool       `json:"-" yaml:"-"`
}

// MakeFetchCommand returns the command that fetches one or more URLs
// concurrently.
func MakeFetchCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var flags fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch Gemini URLs",
		Long: `Fetch one or more Gemini URLs concurrently and print the responses.

A changed server certificate or a certificate for another domain stops the
fetch unless --accept-cert or --bypass-domain is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			env, err := loadEnvironment(conf, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			results := env.fetchAll(cmd.Context(), args, flags)
			return writeFetchResults(cmd.OutOrStdout(), format, flags.raw, results)
		},
	}

	cmd.Flags().StringVar(&flags.identity, "as", "", "alias of the identity to present")
	cmd.Flags().StringVar(&flags.input, "input", "", "answer to an input prompt")
	cmd.Flags().BoolVar(&flags.acceptCert, "accept-cert", false, "trust a changed server certificate")
	cmd.Flags().BoolVar(&flags.bypassDomain, "bypass-domain", false, "ignore a certificate issued for another domain")
	cmd.Flags().BoolVar(&flags.raw, "raw", false, "print only response bodies")
	return cmd
}

// fetchAll fetches urls with at most Concurrency requests in flight. Results
// keep the order of urls.
func (env *environment) fetchAll(ctx context.Context, urls []string, flags fetchFlags) []fetchResult {
	results := make([]fetchResult, len(urls))
	sem := semaphore.NewWeighted(int64(env.conf.Client.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, u := range urls {
		i, u := i, u
		if err := sem.Acquire(gctx, 1); err != nil {
			results[i] = fetchResult{URL: u, Outcome: "error", Error: err.Error()}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = env.fetchOne(gctx, u, flags)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (env *environment) fetchOne(ctx context.Context, rawURL string, flags fetchFlags) fetchResult {
	res := fetchResult{URL: rawURL}
	target := rawURL
	answered := false

	for i := 0; ; i++ {
		out, err := env.client.Fetch(ctx, target, flags.identity)
		if err != nil {
			env.logger.Error("fetch failed", "url", target, "err", err)
			res.Outcome = "error"
			res.Error = err.Error()
			return res
		}

		retry := false
		if i < maxPrompts {
			retry, err = env.resolvePrompt(out, flags, &answered, &target)
			if err != nil {
				res.Outcome = "error"
				res.Error = err.Error()
				return res
			}
		}
		if !retry {
			env.describe(out, &res)
			return res
		}
	}
}

// resolvePrompt acts on an outcome the flags allow answering and reports
// whether the request should be sent again, possibly to an updated target.
func (env *environment) resolvePrompt(out gemini.Outcome, flags fetchFlags, answered *bool, target *string) (bool, error) {
	switch o := out.(type) {
	case gemini.TofuWarning:
		if !flags.acceptCert {
			return false, nil
		}
		if err := env.verifier.AcceptNewCertificate(o.Host, o.Port, o.NewFingerprint, o.NewExpiry); err != nil {
			return false, err
		}
		env.logger.Info("accepted new certificate", "host", o.Host, "port", o.Port, "fingerprint", o.NewFingerprint)
		return true, nil

	case gemini.TofuDomainMismatch:
		if !flags.bypassDomain {
			return false, nil
		}
		env.verifier.AddDomainBypass(o.Host, o.Port)
		return true, nil

	case gemini.InputRequired:
		if flags.input == "" || *answered {
			return false, nil
		}
		next, err := gemini.WithInput(o.URL, flags.input)
		if err != nil {
			return false, err
		}
		*answered = true
		*target = next.String()
		return true, nil
	}
	return false, nil
}

// describe fills res from the final outcome and records successful pages in
// the history.
func (env *environment) describe(out gemini.Outcome, res *fetchResult) {
	switch o := out.(type) {
	case gemini.Success:
		res.Outcome = "success"
		res.Succeeded = true
		res.FinalURL = o.URL
		res.Status = o.Response.Status
		res.Meta = o.Response.Meta
		res.Body = string(o.Response.Body)
		res.Title = o.URL
		if o.Response.MediaType() == gemtext.MediaType {
			if title, ok := gemtext.Parse(res.Body).Title(); ok {
				res.Title = title
			}
		}
		if o.TrustNotice != nil {
			res.Detail = fmt.Sprintf("server key changed after the old pin expired; now trusting %s", o.TrustNotice.NewFingerprint)
		}
		if err := env.history.Record(o.URL, res.Title); err != nil {
			env.logger.Error("failed to record history", "url", o.URL, "err", err)
		}

	case gemini.InputRequired:
		res.Outcome = "input"
		res.FinalURL = o.URL
		res.Meta = o.Prompt
		if o.Sensitive {
			res.Detail = "sensitive input"
		}

	case gemini.SlowDown:
		res.Outcome = "slow_down"
		res.FinalURL = o.URL
		res.Status = gemini.StatusSlowDown
		res.Meta = o.Meta
		retryAt := o.State.RetryAt
		res.RetryAt = &retryAt

	case gemini.ServerError:
		res.Outcome = "server_error"
		res.FinalURL = o.URL
		res.Status = o.Status
		res.Meta = o.Meta
		switch {
		case o.Temporary && o.Retryable:
			res.Detail = "temporary, retry later"
		case o.Temporary:
			res.Detail = "temporary"
		default:
			res.Detail = "permanent"
		}
		if text := gemini.StatusText(o.Status); text != "" {
			res.Detail = text + ", " + res.Detail
		}

	case gemini.CertificateRequired:
		res.Outcome = "certificate_required"
		res.FinalURL = o.URL
		res.Status = o.Status
		res.Meta = o.Meta
		res.Detail = o.Title()
		for _, id := range o.Matching {
			res.Matching = append(res.Matching, id.Alias)
		}

	case gemini.TofuWarning:
		res.Outcome = "certificate_changed"
		res.FinalURL = o.PendingURL
		res.Detail = fmt.Sprintf("%s:%d key changed from %s to %s; rerun with --accept-cert to trust it",
			o.Host, o.Port, o.OldFingerprint, o.NewFingerprint)

	case gemini.TofuDomainMismatch:
		res.Outcome = "domain_mismatch"
		res.FinalURL = o.PendingURL
		res.Detail = fmt.Sprintf("certificate names %v, not %s; rerun with --bypass-domain to continue",
			o.CertDomains, o.Host)

	case gemini.TofuExpired:
		res.Outcome = "certificate_expired"
		res.FinalURL = o.PendingURL
		res.Detail = fmt.Sprintf("certificate for %s expired at %s", o.Host, o.ExpiredAt.Format(time.RFC3339))

	case gemini.TofuNotYetValid:
		res.Outcome = "certificate_not_yet_valid"
		res.FinalURL = o.PendingURL
		res.Detail = fmt.Sprintf("certificate for %s is valid from %s", o.Host, o.NotBefore.Format(time.RFC3339))

	default:
		res.Outcome = "unknown"
		res.Detail = out.String()
	}
}

var errFetchFailed = errors.New("some fetches did not succeed")

func writeFetchResults(w io.Writer, format string, raw bool, results []fetchResult) error {
	failed := 0
	for _, r := range results {
		if !r.Succeeded {
			failed++
		}
	}

	if ok, err := printStructured(w, format, results); ok || err != nil {
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d", errFetchFailed, failed, len(results))
		}
		return nil
	}

	for _, r := range results {
		if raw {
			if r.Succeeded {
				fmt.Fprint(w, r.Body)
			}
			continue
		}
		if len(results) > 1 {
			fmt.Fprintf(w, "==> %s <==\n", r.URL)
		}
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "error: %s\n", r.Error)
		case r.Succeeded:
			if r.FinalURL != r.URL {
				fmt.Fprintf(w, "# %s\n", r.FinalURL)
			}
			if r.Detail != "" {
				fmt.Fprintf(w, "# %s\n", r.Detail)
			}
			fmt.Fprint(w, r.Body)
		default:
			fmt.Fprintf(w, "%s", r.Outcome)
			if r.Status != 0 {
				fmt.Fprintf(w, " %d", r.Status)
			}
			if r.Meta != "" {
				fmt.Fprintf(w, " %s", r.Meta)
			}
			fmt.Fprintln(w)
			if r.Detail != "" {
				fmt.Fprintf(w, "  %s\n", r.Detail)
			}
			if len(r.Matching) > 0 {
				fmt.Fprintf(w, "  matching identities: %v\n", r.Matching)
			}
			if r.RetryAt != nil {
				fmt.Fprintf(w, "  retry at %s\n", r.RetryAt.Format(time.RFC3339))
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errFetchFailed, failed, len(results))
	}
	return nil
}
