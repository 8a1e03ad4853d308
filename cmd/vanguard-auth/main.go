// Command vanguard-auth signs in to a Vanguard account from the terminal and
// inspects the synchronized user record.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-print"
	auth "github.com/vanguardgg/go-auth-client"
	"github.com/vanguardgg/go-auth-client/callback"
	"golang.org/x/term"
)

const usage = `usage: vanguard-auth <command> [flags]

commands:
  login    sign in with email and password
  oauth    sign in with google or discord through the browser
  signup   create an account
  whoami   print the signed-in user
  refresh  reload the user record
  logout   sign out and clear local state
  reset    send a password reset email

configuration is read from VANGUARD_* environment variables.
`

// readPassword is swapped in tests.
var readPassword = term.ReadPassword

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type command func(ctx context.Context, a *app, args []string, in *bufio.Reader, out io.Writer) error

var commands = map[string]command{
	"login":   loginCmd,
	"oauth":   oauthCmd,
	"signup":  signupCmd,
	"whoami":  whoamiCmd,
	"refresh": refreshCmd,
	"logout":  logoutCmd,
	"reset":   resetCmd,
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	cfg, err := auth.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}

	a, err := newApp(ctx, cfg, appOptions{loopback: args[0] == "oauth"})
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := cmd(ctx, a, args[1:], bufio.NewReader(stdin), stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func newFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func loginCmd(ctx context.Context, a *app, args []string, in *bufio.Reader, out io.Writer) error {
	fs := newFlags("login", out)
	email := fs.String("email", "", "account email")
	remember := fs.Bool("remember", false, "remember the email for next time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *email == "" {
		if saved, ok := a.store.RememberedEmail(ctx); ok {
			*email = saved
		}
	}
	if *email == "" {
		var err error
		if *email, err = prompt(in, out, "Email: "); err != nil {
			return err
		}
	}

	password, err := promptPassword(in, out)
	if err != nil {
		return err
	}

	a.store.Initialize(ctx)
	res := a.store.SignInWithEmail(ctx, *email, password, auth.WithRememberMe(*remember))
	return report(out, res)
}

func oauthCmd(ctx context.Context, a *app, args []string, _ *bufio.Reader, out io.Writer) error {
	fs := newFlags("oauth", out)
	provider := fs.String("provider", "discord", "google or discord")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.CallbackListenAddr)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}

	srv := callback.New(a.store, callback.WithLogger(a.logger))
	go func() {
		if err := srv.Serve(ln); err != nil {
			a.logger.Warn("callback server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.store.Initialize(ctx)
	res := a.store.SignInWithOAuthProvider(ctx, auth.OAuthProvider(strings.ToLower(*provider)))
	if !res.Success {
		return report(out, res)
	}

	fmt.Fprintf(out, "Open this URL to continue:\n\n  %s\n\nWaiting for the browser...\n", res.RedirectURL)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	outcome, err := srv.Wait(waitCtx)
	if err != nil {
		return err
	}
	if outcome.Status != auth.CallbackSuccess {
		return errors.New(outcome.Message)
	}
	fmt.Fprintln(out, outcome.Message)
	return printUser(out, outcome.User)
}

func signupCmd(ctx context.Context, a *app, args []string, in *bufio.Reader, out io.Writer) error {
	fs := newFlags("signup", out)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		var err error
		if *email, err = prompt(in, out, "Email: "); err != nil {
			return err
		}
	}

	password, err := promptPassword(in, out)
	if err != nil {
		return err
	}

	a.store.Initialize(ctx)
	res := a.store.SignUpWithEmail(ctx, *email, password)
	if res.Success && res.ConfirmationRequired {
		fmt.Fprintln(out, "Check your inbox to confirm the account.")
		return nil
	}
	return report(out, res)
}

func whoamiCmd(ctx context.Context, a *app, _ []string, _ *bufio.Reader, out io.Writer) error {
	res := a.store.Initialize(ctx)
	if !res.Success {
		return report(out, res)
	}
	user := a.store.GetCurrentUser()
	if user == nil {
		fmt.Fprintln(out, "Not signed in.")
		return nil
	}
	return printUser(out, user)
}

func refreshCmd(ctx context.Context, a *app, _ []string, _ *bufio.Reader, out io.Writer) error {
	if res := a.store.Initialize(ctx); !res.Success {
		return report(out, res)
	}
	return report(out, a.store.RefreshUser(ctx))
}

func logoutCmd(ctx context.Context, a *app, _ []string, _ *bufio.Reader, out io.Writer) error {
	a.store.Initialize(ctx)
	res := a.store.SignOut(ctx)
	if res.Success {
		fmt.Fprintln(out, "Signed out.")
		return nil
	}
	return report(out, res)
}

func resetCmd(ctx context.Context, a *app, args []string, in *bufio.Reader, out io.Writer) error {
	fs := newFlags("reset", out)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		var err error
		if *email, err = prompt(in, out, "Email: "); err != nil {
			return err
		}
	}

	res := a.store.ResetPassword(ctx, *email)
	if res.Success {
		fmt.Fprintln(out, "If the account exists, a reset link is on its way.")
		return nil
	}
	return report(out, res)
}

func report(out io.Writer, res auth.Result) error {
	if !res.Success {
		if res.Recovery == auth.RecoveryReload {
			return fmt.Errorf("%s (retry the command)", res.Error)
		}
		return errors.New(res.Error)
	}
	if res.User != nil {
		return printUser(out, res.User)
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func printUser(out io.Writer, user *auth.UserProfile) error {
	if user == nil {
		return nil
	}
	_, err := fmt.Fprintln(out, print.MaybePrettyJSON(user))
	return err
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo on a terminal and falls back to a plain
// line read when stdin is piped.
func promptPassword(in *bufio.Reader, out io.Writer) (string, error) {
	fd := stdinFd()
	if !term.IsTerminal(fd) {
		return prompt(in, out, "Password: ")
	}
	fmt.Fprint(out, "Password: ")
	pw, err := readPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
