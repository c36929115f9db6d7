package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/domain"
	"wecombot/internal/metrics"
	"wecombot/internal/reply"
	"wecombot/internal/target"

	"github.com/google/uuid"
)

const maxCallbackBody = 1 << 20 // 1MB

// StatusPatch mutates an account status snapshot.
type StatusPatch func(*domain.AccountStatus)

// WebhookTarget is one account listening on a callback path.
type WebhookTarget struct {
	Account config.ResolvedAccount
	Config  *config.Config
	Logger  *slog.Logger
	Path    string
	Status  func(StatusPatch)
}

// WebhookRegistrar installs inbound webhook receivers. The returned func
// removes exactly the registration it belongs to.
type WebhookRegistrar interface {
	Register(t WebhookTarget) (unregister func(), err error)
}

// Deduper remembers callback message ids so WeCom redeliveries are dropped.
type Deduper interface {
	MarkSeen(ctx context.Context, accountID, msgID string) (first bool, err error)
}

// WebhookServerConfig configures the callback receiver.
type WebhookServerConfig struct {
	Replies  *reply.Registry
	Outbound *Outbound
	Runtime  *runtimeState
	Dedup    Deduper
	Logger   *slog.Logger
}

// WebhookServer receives WeCom intelligent-bot callbacks for every
// registered account. Several accounts may share a path; the first whose
// token verifies the signature owns the callback.
type WebhookServer struct {
	replies  *reply.Registry
	outbound *Outbound
	runtime  *runtimeState
	dedup    Deduper
	logger   *slog.Logger

	mu      sync.RWMutex
	targets map[string][]*webhookEntry
	bus     domain.MessageBus

	inflight sync.WaitGroup
}

type webhookEntry struct {
	WebhookTarget
	crypto *msgCrypto
}

// callbackMessage is the decrypted intelligent-bot callback body.
type callbackMessage struct {
	MsgID    string `json:"msgid"`
	AIBotID  string `json:"aibotid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"` // single | group
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	ResponseURL string `json:"response_url"`
	MsgType     string `json:"msgtype"`
	Text        struct {
		Content string `json:"content"`
	} `json:"text"`
}

func NewWebhookServer(cfg WebhookServerConfig) *WebhookServer {
	if cfg.Dedup == nil {
		cfg.Dedup = newMemoryDedup(10 * time.Minute)
	}
	if cfg.Runtime == nil {
		cfg.Runtime = &runtimeState{}
	}
	return &WebhookServer{
		replies:  cfg.Replies,
		outbound: cfg.Outbound,
		runtime:  cfg.Runtime,
		dedup:    cfg.Dedup,
		logger:   cfg.Logger,
		targets:  make(map[string][]*webhookEntry),
	}
}

// SetBus sets the bus inbound messages are published to when no host
// runtime is bound.
func (s *WebhookServer) SetBus(bus domain.MessageBus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

// Register implements WebhookRegistrar.
func (s *WebhookServer) Register(t WebhookTarget) (func(), error) {
	c, err := newMsgCrypto(t.Account.Config.Token, t.Account.Config.EncodingAESKey, t.Account.Config.ReceiveID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", t.Account.AccountID, err)
	}
	if t.Logger == nil {
		t.Logger = s.logger
	}
	entry := &webhookEntry{WebhookTarget: t, crypto: c}

	s.mu.Lock()
	s.targets[t.Path] = append(s.targets[t.Path], entry)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := slices.DeleteFunc(s.targets[t.Path], func(e *webhookEntry) bool { return e == entry })
			if len(list) == 0 {
				delete(s.targets, t.Path)
			} else {
				s.targets[t.Path] = list
			}
		})
	}, nil
}

// Paths returns the callback paths that currently have receivers.
func (s *WebhookServer) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.targets))
	for p := range s.targets {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Wait blocks until in-flight host dispatches finish.
func (s *WebhookServer) Wait() {
	s.inflight.Wait()
}

func (s *WebhookServer) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	entries := slices.Clone(s.targets[r.URL.Path])
	s.mu.RUnlock()
	if len(entries) == 0 {
		http.NotFound(rw, r)
		return
	}

	q := r.URL.Query()
	sig, ts, nonce := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce")
	if sig == "" {
		http.Error(rw, "Missing signature", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleVerify(rw, entries, sig, ts, nonce, q.Get("echostr"))
	case http.MethodPost:
		s.handleCallback(rw, r, entries, sig, ts, nonce)
	default:
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the URL verification handshake WeCom performs when a
// callback URL is saved.
func (s *WebhookServer) handleVerify(rw http.ResponseWriter, entries []*webhookEntry, sig, ts, nonce, echo string) {
	e := matchEntry(entries, sig, ts, nonce, echo)
	if e == nil {
		metrics.CallbacksRejected.Inc()
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}
	plain, err := e.crypto.decrypt(echo)
	if err != nil {
		metrics.CallbacksRejected.Inc()
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	e.Logger.Info("wecom url verified", "account", e.Account.AccountID, "path", e.Path)
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Write(plain)
}

func (s *WebhookServer) handleCallback(rw http.ResponseWriter, r *http.Request, entries []*webhookEntry, sig, ts, nonce string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var envelope struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Encrypt == "" {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	e := matchEntry(entries, sig, ts, nonce, envelope.Encrypt)
	if e == nil {
		metrics.CallbacksRejected.Inc()
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}

	plain, err := e.crypto.decrypt(envelope.Encrypt)
	if err != nil {
		metrics.CallbacksRejected.Inc()
		e.Logger.Warn("wecom callback decrypt failed", "account", e.Account.AccountID, "err", err)
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	var msg callbackMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		e.Logger.Warn("wecom callback payload invalid", "account", e.Account.AccountID, "err", err)
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	metrics.CallbacksTotal.Inc()

	s.handleMessage(r.Context(), e, msg)

	// replies go out through response_url, so the passive reply stays empty
	rw.WriteHeader(http.StatusOK)
}

func matchEntry(entries []*webhookEntry, sig, ts, nonce, payload string) *webhookEntry {
	for _, e := range entries {
		if e.crypto.verify(sig, ts, nonce, payload) {
			return e
		}
	}
	return nil
}

func (s *WebhookServer) handleMessage(ctx context.Context, e *webhookEntry, msg callbackMessage) {
	acct := e.Account
	log := e.Logger.With("account", acct.AccountID)

	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	} else {
		first, err := s.dedup.MarkSeen(ctx, acct.AccountID, msg.MsgID)
		if err != nil {
			log.Warn("dedup check failed", "msgid", msg.MsgID, "err", err)
		} else if !first {
			metrics.InboundDuplicates.Inc()
			log.Debug("wecom callback redelivered, dropping", "msgid", msg.MsgID)
			return
		}
	}

	now := time.Now()
	if e.Status != nil {
		e.Status(func(st *domain.AccountStatus) { st.LastInboundAt = now })
	}

	peer, content, ok := s.admit(log, acct, msg)
	if !ok {
		metrics.InboundFiltered.Inc()
		return
	}
	peer = qualifyPeer(peer, acct.AccountID, config.DefaultAccount(e.Config))

	if msg.ResponseURL != "" {
		s.replies.Register(reply.KeyFor(peer, acct.AccountID), msg.ResponseURL)
	} else {
		log.Warn("wecom callback without response_url; reply impossible", "msgid", msg.MsgID)
	}

	inbound := domain.InboundMessage{
		Channel:   ChannelName,
		AccountID: acct.AccountID,
		ChatID:    peer.String(),
		ChatType:  msg.ChatType,
		SenderID:  msg.From.UserID,
		MessageID: msg.MsgID,
		Content:   content,
		MsgType:   msg.MsgType,
		Timestamp: now,
	}

	log.Info("wecom message received",
		"chat", inbound.ChatID,
		"sender", inbound.SenderID,
		"msgtype", inbound.MsgType,
		"content_len", len(content),
	)

	if rt, bound := s.runtime.Get(); bound {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.dispatch(context.Background(), rt, e, inbound, peer)
		}()
		return
	}

	s.mu.RLock()
	bus := s.bus
	s.mu.RUnlock()
	if bus == nil {
		log.Warn("no host runtime or bus; inbound message dropped", "chat", inbound.ChatID)
		return
	}
	bus.Publish(inbound)
}

// qualifyPeer pins peer to accountID unless its unqualified address already
// resolves to the same reply key under the default account. Outbound sends
// without an explicit account then consume the handle registered here.
func qualifyPeer(peer target.Target, accountID, defaultAccount string) target.Target {
	peer.AccountID = ""
	if back, ok := target.Parse(peer.String()); ok && reply.KeyFor(back, defaultAccount) == reply.KeyFor(peer, accountID) {
		return peer
	}
	peer.AccountID = accountID
	return peer
}

// admit applies allow-lists and the group mention policy. It returns the
// reply peer and the message text with any leading @mention stripped.
func (s *WebhookServer) admit(log *slog.Logger, acct config.ResolvedAccount, msg callbackMessage) (target.Target, string, bool) {
	content := strings.TrimSpace(msg.Text.Content)
	sender := strings.TrimSpace(msg.From.UserID)

	if msg.ChatType == "group" {
		if msg.ChatID == "" {
			log.Warn("group callback without chatid", "msgid", msg.MsgID)
			return target.Target{}, "", false
		}
		if allow := config.ResolveGroupAllowFrom(acct); len(allow) > 0 && !slices.Contains(allow, strings.ToLower(msg.ChatID)) {
			log.Info("group not in allow-list", "chat", msg.ChatID)
			return target.Target{}, "", false
		}
		if config.ResolveRequireMention(acct) {
			stripped, mentioned := stripMention(content)
			if !mentioned {
				log.Debug("group message without mention ignored", "chat", msg.ChatID)
				return target.Target{}, "", false
			}
			content = stripped
		}
		return target.Target{Kind: target.KindGroup, ID: msg.ChatID}, content, true
	}

	if sender == "" {
		log.Warn("callback without sender", "msgid", msg.MsgID)
		return target.Target{}, "", false
	}
	if allow := config.ResolveAllowFrom(acct); len(allow) > 0 && !slices.Contains(allow, strings.ToLower(sender)) {
		log.Info("sender not in allow-list", "sender", sender)
		return target.Target{}, "", false
	}
	return target.Target{Kind: target.KindUser, ID: sender}, content, true
}

// stripMention removes a leading "@name " from group text.
func stripMention(content string) (string, bool) {
	if !strings.HasPrefix(content, "@") {
		return content, false
	}
	_, rest, found := strings.Cut(content, " ")
	if !found {
		return "", true
	}
	return strings.TrimSpace(rest), true
}

func (s *WebhookServer) dispatch(ctx context.Context, rt domain.HostRuntime, e *webhookEntry, msg domain.InboundMessage, peer target.Target) {
	log := e.Logger.With("account", msg.AccountID, "chat", msg.ChatID)

	route, err := rt.ResolveAgentRoute(ctx, domain.RouteQuery{
		Channel:   ChannelName,
		AccountID: msg.AccountID,
		PeerKind:  string(peer.Kind),
		PeerID:    peer.ID,
	})
	if err != nil {
		log.Error("resolve agent route failed", "err", err)
		return
	}

	err = rt.DispatchReplyFromConfig(ctx, domain.ReplyDispatch{
		Message: msg,
		Route:   route,
		Deliver: func(ctx context.Context, out domain.OutboundMessage) error {
			req := SendRequest{Config: e.Config, AccountID: msg.AccountID, To: msg.ChatID, Text: out.Content, MediaURL: out.MediaURL}
			var res SendResult
			if out.MediaURL != "" {
				res = s.outbound.SendMedia(ctx, req)
			} else {
				res = s.outbound.SendText(ctx, req)
			}
			if !res.OK {
				return res.Err
			}
			return nil
		},
	})
	if err != nil {
		log.Error("reply dispatch failed", "err", err)
		if e.Status != nil {
			e.Status(func(st *domain.AccountStatus) { st.LastError = err.Error() })
		}
	}
}

// memoryDedup is the Deduper used when no persistent store is configured.
type memoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newMemoryDedup(ttl time.Duration) *memoryDedup {
	return &memoryDedup{ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *memoryDedup) MarkSeen(_ context.Context, accountID, msgID string) (bool, error) {
	key := accountID + "/" + msgID
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}
