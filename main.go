package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/authsession/tui"
)

type commandFunc func(ctx context.Context, d tui.Displayer, args []string) error

type command struct {
	run     commandFunc
	summary string
}

var commands = map[string]command{
	"login":  {runLogin, "Request an OTP code and sign in (-phone, -code)"},
	"status": {runStatus, "Show the stored session (-refresh to refresh it first)"},
	"call":   {runCall, "Call an API path with the session, refreshing on 401"},
	"watch":  {runWatch, "Keep the session fresh in the background until interrupted"},
	"logout": {runLogout, "Remove the stored tokens"},
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: authsession <command> [flags]")
	fmt.Fprintln(w, "\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "  %-9s %s\n", "mock-idp", "Run the development identity backend (-listen)")
	fmt.Fprintln(w, "\nRun 'authsession <command> -h' for the flags of a command.")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]

	if name == "mock-idp" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runMockIDP(ctx, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		if name != "-h" && name != "help" {
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		}
		usage(os.Stderr)
		os.Exit(2)
	}

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027) and login can read the code from stdin.
		// Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(cmd.run, d, args, true)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(exitCode(runErr))
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(cmd.run, d, args, false); err != nil {
			os.Exit(exitCode(err))
		}
	}
}

func run(cmd commandFunc, d tui.Displayer, args []string, tty bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = withTTY(ctx, tty)
	err := cmd(ctx, d, args)
	if err != nil && !errors.Is(err, flag.ErrHelp) && !errors.Is(err, errReported) {
		d.Fatal(err)
	}
	return err
}

func exitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 1
}
