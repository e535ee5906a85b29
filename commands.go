package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-authgate/authsession/auth"
	"github.com/go-authgate/authsession/internal/mockidp"
	"github.com/go-authgate/authsession/internal/privacylog"
	"github.com/go-authgate/authsession/tui"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("authsession "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runLogin(ctx context.Context, d tui.Displayer, args []string) error {
	fs := newFlagSet("login")
	phoneFlag := fs.String("phone", "", "Phone number to sign in with (or PHONE env)")
	codeFlag := fs.String("code", "", "Login code; asked for on stdin when empty")

	a, err := setup(ctx, d, fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	phone := strings.TrimSpace(*phoneFlag)
	if phone == "" {
		phone = strings.TrimSpace(os.Getenv("PHONE"))
	}
	if phone == "" {
		return errors.New("phone number required: -phone=<number>")
	}

	code := strings.TrimSpace(*codeFlag)
	if code == "" {
		d.RequestingCode(phone)
		res, err := a.session.RequestCode(ctx, phone)
		if err != nil {
			return fmt.Errorf("request code: %w", err)
		}
		d.CodeSent(res.Message)

		d.AwaitingCode(phone)
		if code, err = readLine(ctx, stdin); err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		if code == "" {
			return errors.New("no code entered")
		}
	}

	if err := a.session.Login(ctx, phone, code); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	d.LoggedIn()
	d.Done(a.sessionInfo())

	nav := &navigator{ctx: ctx, app: a}
	if _, err := a.session.Gate.ResumeDeepLink(ctx, nav); err != nil {
		a.log.Warn("resuming pending call failed", "error", err)
	}
	return nil
}

func runStatus(ctx context.Context, d tui.Displayer, args []string) error {
	fs := newFlagSet("status")
	refresh := fs.Bool("refresh", false, "Refresh the access token before showing the session")

	a, err := setup(ctx, d, fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.session.Gate.IsAuthenticated() {
		d.SessionNotFound()
		d.Done(a.sessionInfo())
		return nil
	}
	d.SessionFound(a.cfg.Store)

	if *refresh {
		d.Refreshing()
		res := a.session.Coordinator.Refresh(ctx)
		if res.OK {
			d.RefreshOK()
		} else {
			d.RefreshFailed(resultError(res))
		}
	}
	d.Done(a.sessionInfo())
	return nil
}

func runCall(ctx context.Context, d tui.Displayer, args []string) error {
	fs := newFlagSet("call")
	method := fs.String("method", http.MethodGet, "HTTP method")
	data := fs.String("data", "", "JSON request body")

	a, err := setup(ctx, d, fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	path := fs.Arg(0)
	if path == "" {
		path = "/api/me"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// remembered so login can replay it
	nav := &navigator{ctx: ctx, app: a}
	ok, err := a.session.Gate.RequireAuthWithDeepLink(ctx, nav, strings.ToUpper(*method)+" "+path)
	if err != nil {
		a.log.Warn("could not remember the pending call", "error", err)
	}
	if !ok {
		return errNotLoggedIn
	}
	return a.call(ctx, *method, path, *data)
}

func runWatch(ctx context.Context, d tui.Displayer, args []string) error {
	fs := newFlagSet("watch")

	a, err := setup(ctx, d, fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var forced atomic.Bool
	nav := &navigator{ctx: ctx, app: a, onLogin: func() {
		if forced.CompareAndSwap(false, true) {
			d.ForcedLogout()
		}
		cancel()
	}}

	if !a.session.Gate.EnsureFreshSession(ctx) {
		d.SessionNotFound()
		return errNotLoggedIn
	}
	d.SessionFound(a.cfg.Store)

	if addr := a.cfg.MetricsAddr; addr != "" {
		stopMetrics := serveMetrics(a, addr)
		defer stopMetrics()
	}

	updates, unsubscribe := a.session.Store.State().Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.session.NewPoller().Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.session.Gate.Watch(ctx, nav)
	}()
	d.Watching(a.cfg.PollInterval)

	last := a.session.Store.Read().AccessValue()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if forced.Load() {
				return errReported
			}
			d.Done(a.sessionInfo())
			return nil
		case p, ok := <-updates:
			if !ok {
				continue
			}
			if !p.HasAccess() {
				// cleared under us, possibly before the gate subscribed
				nav.RedirectToLogin(true)
				continue
			}
			if p.AccessValue() != last {
				last = p.AccessValue()
				d.RefreshOK()
			}
		}
	}
}

func runLogout(ctx context.Context, d tui.Displayer, args []string) error {
	fs := newFlagSet("logout")

	a, err := setup(ctx, d, fs, args)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	d.LoggedOut()
	return nil
}

func runMockIDP(ctx context.Context, args []string) error {
	fs := newFlagSet("mock-idp")
	listen := fs.String("listen", ":8080", "Address to listen on")
	fixed := fs.Bool("fixed-refresh", false, "Keep refresh tokens instead of rotating them")
	accessTTL := fs.Duration("access-ttl", mockidp.DefaultAccessTTL, "Access token lifetime")
	devCode := fs.String("dev-code", mockidp.DefaultDevCode, "Code accepted for every phone number")
	verbose := fs.Bool("v", false, "Log every request")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	gin.SetMode(gin.ReleaseMode)

	srv := mockidp.New(mockidp.Options{
		Secret:       []byte(os.Getenv("MOCKIDP_SECRET")),
		DevCode:      *devCode,
		AccessTTL:    *accessTTL,
		FixedRefresh: *fixed,
		Logger:       privacylog.New(os.Stderr, level, false),
	})
	return srv.Run(ctx, *listen)
}

// serveMetrics exposes the session's prometheus registry until the returned
// func is called.
func serveMetrics(a *app, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}
}

// readLine reads one trimmed line from r, giving up when ctx ends.
func readLine(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

// resultError describes a failed refresh.
func resultError(res auth.Result) error {
	if res.Err != nil {
		return fmt.Errorf("%s: %w", res.Failure, res.Err)
	}
	return fmt.Errorf("refresh %s", res.Failure)
}
