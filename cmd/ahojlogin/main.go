package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/config"
	"github.com/houbamydar/ahojauth/internal/correlation"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/flow"
	"github.com/houbamydar/ahojauth/internal/kvstore"
	"github.com/houbamydar/ahojauth/internal/loopback"
	"github.com/houbamydar/ahojauth/internal/maintenance"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:           "ahojlogin",
		Short:         "Sign in to an OpenID provider from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newLoginCmd(),
		newRefreshCmd(),
		newLogoutCmd(),
		newSweepCmd(getenv),
		newStatusCmd(),
	)
	return root
}

type loginCLIOptions struct {
	Mode      string
	Scopes    []string
	LoginHint string
	Prompt    string
	State     string
}

func newLoginCmd() *cobra.Command {
	var opts loginCLIOptions
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run an interactive or silent sign-in in the system browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoginCommand(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", "popup", "popup, redirect or silent")
	cmd.Flags().StringSliceVar(&opts.Scopes, "scope", nil, "extra scopes to request")
	cmd.Flags().StringVar(&opts.LoginHint, "login-hint", "", "user name to prefill")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "prompt parameter for the provider")
	cmd.Flags().StringVar(&opts.State, "state", "", "opaque state echoed back in the result")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var account string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Renew tokens for a signed-in account without interaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(account) == "" {
				return errors.New("--account is required")
			}
			return runRefreshCommand(cmd.Context(), cmd.OutOrStdout(), account, scopes)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "home account id printed by login")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "extra scopes to request")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget an account and end its provider session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogoutCommand(cmd.Context(), account)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "home account id printed by login")
	return cmd
}

type sweepCLIOptions struct {
	IncludeRedirect bool
	IncludePopup    bool
	IncludeSilent   bool
	DryRun          bool
}

func newSweepCmd(getenv func(string) string) *cobra.Command {
	var flags sweepCLIOptions
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove pending requests left behind by abandoned flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := resolveSweepCLIOptions(flags, getenv)
			return runSweepCommand(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().BoolVar(&flags.IncludeRedirect, "redirect-only", false, "sweep redirect requests")
	cmd.Flags().BoolVar(&flags.IncludePopup, "popup-only", false, "sweep popup requests")
	cmd.Flags().BoolVar(&flags.IncludeSilent, "silent-only", false, "sweep silent requests")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report without removing")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the request store and list pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatusCommand(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// resolveSweepCLIOptions applies DRY_RUN from the environment. No kind flag
// means every kind.
func resolveSweepCLIOptions(flags sweepCLIOptions, getenv func(string) string) sweepCLIOptions {
	opts := flags
	if !opts.IncludeRedirect && !opts.IncludePopup && !opts.IncludeSilent {
		opts.IncludeRedirect, opts.IncludePopup, opts.IncludeSilent = true, true, true
	}
	switch strings.ToLower(strings.TrimSpace(getenv("DRY_RUN"))) {
	case "1", "true", "yes", "on":
		opts.DryRun = true
	}
	return opts
}

// runtime is everything a flow command needs. close releases it in reverse
// order.
type runtime struct {
	cfg    config.Config
	opened kvstore.OpenResult
	host   *loopback.Host
	client *flow.Client
	logger *log.Logger
}

func loadConfig(logger *log.Logger) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.WarnShortTimeouts(logger)
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (kvstore.Store, kvstore.OpenResult, error) {
	store, opened, err := kvstore.Open(ctx, cfg.StoreOptions(logger))
	if err != nil {
		return nil, kvstore.OpenResult{}, fmt.Errorf("open store: %w", err)
	}
	return store, opened, nil
}

func newRuntime(ctx context.Context) (*runtime, error) {
	logger := log.Default()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}
	store, opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	host := loopback.New(loopback.Config{Addr: cfg.LoopbackAddr, Logger: logger})
	if err := host.Start(ctx); err != nil {
		_ = opened.Close()
		return nil, err
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = host.RedirectURI()
	}

	engineCfg := protocol.EngineConfig{
		Tokens: protocol.NewTokenCache(store, cachekey.New(cfg.Namespace, cfg.ClientID), nil),
		Logger: logger,
	}
	if authorize, token, endSession, ok := cfg.PinnedEndpoints(); ok {
		engineCfg.Endpoints = map[string]protocol.Endpoints{
			cfg.Authority: {AuthURL: authorize, TokenURL: token, EndSessionURL: endSession},
		}
	}

	deps := flow.Deps{
		Store:           store,
		Engine:          protocol.NewOAuth2Engine(engineCfg),
		Browser:         host,
		Popups:          host,
		Frames:          host,
		Unload:          host,
		StorageDegraded: opened.Reason,
		Logger:          logger,
	}
	if cfg.StoreAuthStateInCookie {
		deps.Cookies = kvstore.NewMemoryJar(nil)
	}
	client, err := flow.New(cfg, deps)
	if err != nil {
		shutdownHost(host, logger)
		_ = opened.Close()
		return nil, err
	}
	client.AddEventListener(func(m events.Message) {
		if m.Err != nil {
			logger.Printf("ahojlogin.event type=%s interaction=%s err=%v", m.Type, m.InteractionType, m.Err)
			return
		}
		logger.Printf("ahojlogin.event type=%s interaction=%s", m.Type, m.InteractionType)
	})
	return &runtime{cfg: cfg, opened: opened, host: host, client: client, logger: logger}, nil
}

func (r *runtime) close() {
	shutdownHost(r.host, r.logger)
	if err := r.opened.Close(); err != nil {
		r.logger.Printf("ahojlogin.store_close_failed err=%v", err)
	}
}

func shutdownHost(host *loopback.Host, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Shutdown(ctx); err != nil {
		logger.Printf("ahojlogin.loopback_shutdown_failed err=%v", err)
	}
}

func runLoginCommand(ctx context.Context, out io.Writer, opts loginCLIOptions) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	req := flow.Request{
		Scopes:    opts.Scopes,
		LoginHint: opts.LoginHint,
		Prompt:    opts.Prompt,
		State:     opts.State,
	}
	var result *protocol.AuthResult
	switch strings.ToLower(opts.Mode) {
	case "popup":
		result, err = rt.client.BeginPopupFlow(ctx, req)
	case "silent":
		result, err = rt.client.BeginSilentFlow(ctx, req)
	case "redirect":
		result, err = runRedirect(ctx, rt, req)
	default:
		return fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if err != nil {
		return err
	}
	return printResult(out, result)
}

// runRedirect sends the browser away and resumes once the callback page
// reports back. The first resume may only return to the start page, in
// which case the stashed response is picked up by the second.
func runRedirect(ctx context.Context, rt *runtime, req flow.Request) (*protocol.AuthResult, error) {
	if err := rt.client.BeginRedirectFlow(ctx, req); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, rt.cfg.PopupTimeout)
	defer cancel()
	if _, err := rt.host.WaitForPage(waitCtx); err != nil {
		return nil, fmt.Errorf("wait for redirect: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		result, err := rt.client.ResumeRedirectFlow(ctx, "")
		if err != nil || result != nil {
			return result, err
		}
	}
	return nil, errors.New("redirect response did not belong to this client")
}

func runRefreshCommand(ctx context.Context, out io.Writer, account string, scopes []string) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.client.AcquireTokenSilent(ctx, flow.Request{
		Scopes:  scopes,
		Account: &protocol.Account{HomeAccountID: account},
	})
	if err != nil {
		return err
	}
	return printResult(out, result)
}

func runLogoutCommand(ctx context.Context, account string) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	req := flow.LogoutRequest{}
	if account != "" {
		req.Account = &protocol.Account{HomeAccountID: account}
	}
	return rt.client.Logout(ctx, req)
}

func runSweepCommand(ctx context.Context, out io.Writer, opts sweepCLIOptions) error {
	logger := log.Default()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	store, opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = opened.Close() }()

	cache := correlation.New(store, cachekey.New(cfg.Namespace, cfg.ClientID), correlation.Options{Logger: logger})
	result, err := maintenance.RunStaleSweep(ctx, cache, maintenance.SweepConfig{
		MaxAge:            cfg.StaleRequestMaxAge,
		IncludeRedirect:   opts.IncludeRedirect,
		IncludePopup:      opts.IncludePopup,
		IncludeSilent:     opts.IncludeSilent,
		SelectionExplicit: true,
		Logger:            logger,
	}, opts.DryRun)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "dry_run=%t eligible=%d swept=%d lock_released=%t\n",
		result.DryRun, result.TotalEligible, result.TotalSwept, result.LockReleased)
	return err
}

func runStatusCommand(ctx context.Context, out io.Writer) error {
	logger := log.Default()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	store, opened, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = opened.Close() }()

	health := maintenance.CheckStore(ctx, store, opened, 0)
	cache := correlation.New(store, cachekey.New(cfg.Namespace, cfg.ClientID), correlation.Options{Logger: logger})
	pending, err := cache.PendingRequests(ctx)
	if err != nil {
		return err
	}
	busy, err := cache.InteractionInProgress(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "backend=%s status=%s latency_ms=%d pending=%d interaction_in_progress=%t message=%q\n",
		health.Backend, health.Status, health.LatencyMS, len(pending), busy, health.Message)
	if err != nil {
		return err
	}
	if health.Status == maintenance.HealthStatusDown {
		return errors.New("store is down")
	}
	return nil
}

type resultOutput struct {
	HomeAccountID string    `json:"home_account_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	TokenType     string    `json:"token_type,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	State         string    `json:"state,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func printResult(out io.Writer, result *protocol.AuthResult) error {
	if result == nil {
		return errors.New("no result")
	}
	view := resultOutput{
		AccessToken:   result.AccessToken,
		TokenType:     result.TokenType,
		ExpiresAt:     result.ExpiresAt,
		Scopes:        result.Scopes,
		State:         result.State,
		CorrelationID: result.CorrelationID,
	}
	if result.Account != nil {
		view.HomeAccountID = result.Account.HomeAccountID
		view.Username = result.Account.Username
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
