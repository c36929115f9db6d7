package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/domain"
	"wecombot/internal/metrics"
	"wecombot/internal/reply"
	"wecombot/internal/target"
)

// ChannelName identifies WeCom on the message bus and in send results.
const ChannelName = "wecom"

type Meta struct {
	ID             string
	Label          string
	SelectionLabel string
	DocsPath       string
	Blurb          string
	Aliases        []string
}

type Capabilities struct {
	ChatTypes []string
	Media     bool
	Reactions bool
	Threads   bool
	Edit      bool
	Reply     bool
	Polls     bool
}

// StatusRecorder persists account status snapshots.
type StatusRecorder interface {
	SaveStatus(ctx context.Context, st domain.AccountStatus) error
}

// WeComConfig configures the WeCom channel.
type WeComConfig struct {
	Config     *config.Config
	Logger     *slog.Logger
	HTTPClient *http.Client   // optional: response_url client
	Dedup      Deduper        // optional: defaults to an in-memory window
	Status     StatusRecorder // optional
	Runtime    any            // optional host runtime, see BindRuntime
}

// WeCom is the WeCom intelligent-bot channel. Its sub-contracts mirror what
// a host runtime expects from a channel plugin.
type WeCom struct {
	Meta         Meta
	Capabilities Capabilities
	Messaging    Messaging
	Accounts     Accounts
	Directory    Directory
	Outbound     *Outbound
	Gateway      *Gateway

	cfg      *config.Config
	hostRT   any
	replies  *reply.Registry
	runtime  *runtimeState
	webhooks *WebhookServer
	recorder StatusRecorder
	logger   *slog.Logger
	server   *http.Server
}

func NewWeCom(cfg WeComConfig) *WeCom {
	if cfg.Config == nil {
		cfg.Config = config.Defaults()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(time.Duration(cfg.Config.Gateway.SendTimeoutSeconds) * time.Second)
	}

	replies := reply.NewRegistry()
	rt := &runtimeState{}
	outbound := NewOutbound(replies, client, cfg.Logger)
	webhooks := NewWebhookServer(WebhookServerConfig{
		Replies:  replies,
		Outbound: outbound,
		Runtime:  rt,
		Dedup:    cfg.Dedup,
		Logger:   cfg.Logger,
	})

	return &WeCom{
		Meta: Meta{
			ID:             ChannelName,
			Label:          "WeCom",
			SelectionLabel: "WeCom (企业微信)",
			DocsPath:       "/channels/wecom",
			Blurb:          "企业微信智能机器人回调",
			Aliases:        []string{"wechatwork", "wework", "qywx", "企微", "企业微信"},
		},
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Reply:     true,
		},
		Outbound: outbound,
		Gateway:  NewGateway(webhooks, rt, cfg.Logger),
		cfg:      cfg.Config,
		hostRT:   cfg.Runtime,
		replies:  replies,
		runtime:  rt,
		webhooks: webhooks,
		recorder: cfg.Status,
		logger:   cfg.Logger,
	}
}

func (w *WeCom) Name() string { return ChannelName }

// Webhooks exposes the callback handler so it can be mounted on a shared mux.
func (w *WeCom) Webhooks() *WebhookServer { return w.webhooks }

// Replies exposes the reply registry, mainly for tests and diagnostics.
func (w *WeCom) Replies() *reply.Registry { return w.replies }

// Start starts every enabled account and serves callbacks until ctx is done.
func (w *WeCom) Start(ctx context.Context, bus domain.MessageBus) error {
	w.webhooks.SetBus(bus)
	bus.OnOutbound(ChannelName, func(msg domain.OutboundMessage) {
		req := SendRequest{Config: w.cfg, AccountID: msg.AccountID, To: msg.ChatID, Text: msg.Content, MediaURL: msg.MediaURL}
		send := w.Outbound.SendText
		if msg.MediaURL != "" {
			send = w.Outbound.SendMedia
		}
		if r := send(context.Background(), req); !r.OK {
			w.logger.Warn("wecom outbound failed", "account", msg.AccountID, "chat_id", msg.ChatID, "err", r.Err)
		}
	})

	started := w.StartAccounts(ctx)
	if started == 0 {
		w.logger.Warn("no wecom account is running; check token and encodingAESKey")
	}

	mux := http.NewServeMux()
	mux.Handle("/", w.webhooks)
	if w.cfg.Metrics.Enabled {
		mux.Handle(w.cfg.Metrics.Endpoint, metrics.Collector.Handler())
	}

	addr := net.JoinHostPort(w.cfg.Gateway.Host, strconv.Itoa(w.cfg.Gateway.Port))
	w.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("wecom callback server starting", "addr", addr, "paths", w.webhooks.Paths())

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("wecom callback server shutting down")
		return w.Stop()
	case err := <-errCh:
		w.Gateway.StopAll(context.Background(), w.recordStatus)
		return fmt.Errorf("wecom callback server: %w", err)
	}
}

// StartAccounts starts every enabled account and returns how many are running.
func (w *WeCom) StartAccounts(ctx context.Context) int {
	running := 0
	for _, id := range config.ListAccountIDs(w.cfg) {
		acct := config.ResolveAccount(w.cfg, id)
		if !acct.Enabled {
			w.logger.Info("wecom account disabled", "account", id)
			continue
		}
		err := w.Gateway.StartAccount(ctx, StartContext{
			AccountID: id,
			Config:    w.cfg,
			Runtime:   w.hostRT,
			SetStatus: w.recordStatus,
			Logger:    w.logger,
		})
		if err != nil {
			continue
		}
		if st, ok := w.Gateway.Status(id); ok && st.Running {
			running++
		}
	}
	return running
}

// Stop unregisters every account and shuts the callback server down.
func (w *WeCom) Stop() error {
	w.Gateway.StopAll(context.Background(), w.recordStatus)
	var err error
	if w.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.server.Shutdown(shutdownCtx)
	}
	w.webhooks.Wait()
	return err
}

// Send replies to chatID through its pending response_url.
func (w *WeCom) Send(ctx context.Context, chatID string, content string) error {
	res := w.Outbound.SendText(ctx, SendRequest{Config: w.cfg, To: chatID, Text: content})
	if !res.OK {
		return res.Err
	}
	return nil
}

func (w *WeCom) recordStatus(st domain.AccountStatus) {
	w.logger.Debug("wecom account status",
		"account", st.AccountID,
		"running", st.Running,
		"configured", st.Configured,
		"path", st.WebhookPath,
	)
	if w.recorder == nil {
		return
	}
	if err := w.recorder.SaveStatus(context.Background(), st); err != nil {
		w.logger.Warn("save account status failed", "account", st.AccountID, "err", err)
	}
}

// Messaging is the address-handling sub-contract.
type Messaging struct{}

func (Messaging) NormalizeTarget(raw string) (string, bool) { return target.Normalize(raw) }

func (Messaging) LooksLikeID(raw, normalized string) bool { return target.LooksLikeID(raw, normalized) }

func (Messaging) FormatTargetDisplay(tgt, display string) string {
	return target.FormatDisplay(tgt, display)
}

func (Messaging) Hint() string { return target.Hint }

// ResolvedTarget is a directory lookup result.
type ResolvedTarget struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to"`
}

// Directory resolves raw addresses. Only ids are accepted; there is no
// display-name lookup.
type Directory struct{}

func (Directory) CanResolve(raw string) bool { return target.CanResolve(raw) }

func (Directory) ResolveTarget(raw string) (ResolvedTarget, bool) {
	t, ok := target.Parse(raw)
	if !ok {
		return ResolvedTarget{}, false
	}
	return ResolvedTarget{Channel: ChannelName, AccountID: t.AccountID, To: t.ID}, true
}

// ResolveTargets resolves each raw address, skipping the ones that do not parse.
func (d Directory) ResolveTargets(raws []string) []ResolvedTarget {
	out := make([]ResolvedTarget, 0, len(raws))
	for _, raw := range raws {
		if rt, ok := d.ResolveTarget(raw); ok {
			out = append(out, rt)
		}
	}
	return out
}

func (Directory) TargetFormats() []string { return target.Formats() }

// Accounts is the configuration sub-contract. Every edit returns a new
// snapshot.
type Accounts struct{}

func (Accounts) ListAccountIDs(cfg *config.Config) []string { return config.ListAccountIDs(cfg) }

func (Accounts) ResolveAccount(cfg *config.Config, accountID string) config.ResolvedAccount {
	return config.ResolveAccount(cfg, accountID)
}

func (Accounts) DefaultAccountID(cfg *config.Config) string { return config.DefaultAccount(cfg) }

func (Accounts) SetAccountEnabled(cfg *config.Config, accountID string, enabled bool) *config.Config {
	return config.SetAccountEnabled(cfg, accountID, enabled)
}

func (Accounts) DeleteAccount(cfg *config.Config, accountID string) *config.Config {
	return config.DeleteAccount(cfg, accountID)
}

func (Accounts) IsConfigured(a config.ResolvedAccount) bool { return a.Configured }

func (Accounts) DescribeAccount(a config.ResolvedAccount) config.AccountDescription {
	return config.DescribeAccount(a)
}

func (Accounts) ResolveAllowFrom(cfg *config.Config, accountID string) []string {
	return config.ResolveAllowFrom(config.ResolveAccount(cfg, accountID))
}

func (Accounts) FormatAllowFrom(entries []string) []string { return config.FormatAllowFrom(entries) }

func (Accounts) ResolveRequireMention(cfg *config.Config, accountID string) bool {
	return config.ResolveRequireMention(config.ResolveAccount(cfg, accountID))
}
