package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gemcap/gemcap/config"
	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/gemini/gemtext"
	"github.com/gemcap/gemcap/libs/log"
	"github.com/gemcap/gemcap/session"
)

const browseHelp = `commands:
  URL | go URL    open a page
  N               follow link N of the current page
  back, forward   move through the tab history
  reload, home    reload the page or open the home page
  input TEXT      answer the last input prompt
  retry           retry after a slow down
  accept          trust the certificate of the last warning
  bookmark        toggle a bookmark for the current page
  quit
`

// MakeBrowseCommand returns a line-oriented browser reading commands from
// standard input.
func MakeBrowseCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var alias string

	cmd := &cobra.Command{
		Use:   "browse [URL]",
		Short: "Browse interactively from the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(conf, logger, func(env *environment) error {
				sess := session.New(env.client,
					session.Logger(logger.With("module", "session")),
					session.WithHistory(env.history),
					session.WithBookmarks(env.history),
					session.WithSettings(conf.Client),
				)
				b := &browser{
					env:   env,
					tab:   sess.OpenTab(),
					alias: alias,
					out:   cmd.OutOrStdout(),
				}
				return b.run(cmd.Context(), cmd.InOrStdin(), args)
			})
		},
	}
	cmd.Flags().StringVar(&alias, "as", "", "alias of the identity to present")
	return cmd
}

// browser drives one tab from text commands and remembers the last outcome
// that needs an answer.
type browser struct {
	env   *environment
	tab   *session.Tab
	alias string
	out   io.Writer

	prompt  *gemini.InputRequired
	slow    *gemini.SlowDown
	warning *gemini.TofuWarning
}

func (b *browser) run(ctx context.Context, in io.Reader, args []string) error {
	if len(args) > 0 {
		b.show(b.tab.Navigate(ctx, args[0], b.alias))
	} else {
		b.show(b.tab.Home(ctx, b.alias))
	}

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(b.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "q" {
			return nil
		}
		if err := b.exec(ctx, line); err != nil {
			fmt.Fprintf(b.out, "error: %v\n", err)
		}
	}
}

func (b *browser) exec(ctx context.Context, line string) error {
	verb, rest := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, rest = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch verb {
	case "help", "?":
		fmt.Fprint(b.out, browseHelp)
	case "go":
		b.show(b.tab.Navigate(ctx, rest, b.alias))
	case "back":
		b.show(b.tab.Back(ctx, b.alias))
	case "forward":
		b.show(b.tab.Forward(ctx, b.alias))
	case "reload":
		b.show(b.tab.Reload(ctx, b.alias))
	case "home":
		b.show(b.tab.Home(ctx, b.alias))
	case "input":
		if b.prompt == nil {
			return errors.New("no input was requested")
		}
		b.show(b.tab.Submit(ctx, b.prompt.URL, rest, b.alias))
	case "retry":
		if b.slow == nil {
			return errors.New("nothing to retry")
		}
		fmt.Fprintf(b.out, "waiting until %s\n", b.slow.State.RetryAt.Format("15:04:05"))
		b.show(b.tab.RetryAfter(ctx, *b.slow, b.alias))
	case "accept":
		if b.warning == nil {
			return errors.New("no certificate warning to accept")
		}
		w := b.warning
		if err := b.env.verifier.AcceptNewCertificate(w.Host, w.Port, w.NewFingerprint, w.NewExpiry); err != nil {
			return err
		}
		b.show(b.tab.Navigate(ctx, w.PendingURL, b.alias))
	case "bookmark":
		on, err := b.tab.ToggleBookmark()
		if err != nil {
			return err
		}
		if on {
			fmt.Fprintln(b.out, "bookmarked")
		} else {
			fmt.Fprintln(b.out, "bookmark removed")
		}
	default:
		if n, err := strconv.Atoi(verb); err == nil {
			target, err := b.link(n)
			if err != nil {
				return err
			}
			b.show(b.tab.Navigate(ctx, target, b.alias))
			return nil
		}
		b.show(b.tab.Navigate(ctx, line, b.alias))
	}
	return nil
}

// link resolves the n-th link of the current page, counting from 1.
func (b *browser) link(n int) (string, error) {
	page := b.tab.Page()
	if page == nil {
		return "", session.ErrNoPage
	}
	links := page.Document.Links()
	if n < 1 || n > len(links) {
		return "", fmt.Errorf("no link %d", n)
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return "", err
	}
	u, err := gemini.Resolve(base, links[n-1].URL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (b *browser) show(out gemini.Outcome, err error) {
	b.prompt, b.slow, b.warning = nil, nil, nil
	if err != nil {
		fmt.Fprintf(b.out, "error: %v\n", err)
		return
	}

	switch o := out.(type) {
	case gemini.Success:
		b.render(b.tab.Page())
	case gemini.InputRequired:
		b.prompt = &o
		fmt.Fprintf(b.out, "%s\n  (answer with: input TEXT)\n", o.Prompt)
	case gemini.SlowDown:
		b.slow = &o
		fmt.Fprintf(b.out, "slow down: retry after %s (type: retry)\n", o.State.RetryAt.Format("15:04:05"))
	case gemini.TofuWarning:
		b.warning = &o
		fmt.Fprintf(b.out, "certificate for %s:%d changed\n  old %s\n  new %s\n  (type: accept)\n",
			o.Host, o.Port, o.OldFingerprint, o.NewFingerprint)
	default:
		res := fetchResult{}
		b.env.describe(out, &res)
		fmt.Fprintf(b.out, "%s %d %s\n", res.Outcome, res.Status, res.Meta)
		if res.Detail != "" {
			fmt.Fprintf(b.out, "  %s\n", res.Detail)
		}
	}
}

func (b *browser) render(page *session.Page) {
	if page == nil {
		return
	}
	fmt.Fprintf(b.out, "-- %s --\n", page.URL)
	if page.MediaType != gemtext.MediaType {
		fmt.Fprintln(b.out, string(page.Body))
		return
	}

	link := 0
	for _, l := range page.Document {
		switch l.Type {
		case gemtext.LinkLine:
			link++
			fmt.Fprintf(b.out, "[%d] %s\n", link, l.Text)
		case gemtext.HeadingLine:
			fmt.Fprintf(b.out, "%s %s\n", strings.Repeat("#", l.Level), l.Text)
		case gemtext.ListItemLine:
			fmt.Fprintf(b.out, "  * %s\n", l.Text)
		case gemtext.QuoteLine:
			fmt.Fprintf(b.out, "  | %s\n", l.Text)
		default:
			fmt.Fprintln(b.out, l.Text)
		}
	}
}
