package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"wecombot/internal/config"
	"wecombot/internal/domain"
)

type memRecorder struct {
	mu   sync.Mutex
	last map[string]domain.AccountStatus
}

func (m *memRecorder) SaveStatus(_ context.Context, st domain.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = make(map[string]domain.AccountStatus)
	}
	m.last[st.AccountID] = st
	return nil
}

func TestWeCom_Meta(t *testing.T) {
	w := NewWeCom(WeComConfig{Logger: quietLogger()})
	if w.Name() != "wecom" || w.Meta.ID != ChannelName {
		t.Errorf("unexpected name %q / %q", w.Name(), w.Meta.ID)
	}
	if !w.Capabilities.Reply || w.Capabilities.Media {
		t.Errorf("unexpected capabilities %+v", w.Capabilities)
	}
	var _ domain.Channel = w
}

func TestWeCom_Directory(t *testing.T) {
	var d Directory
	rt, ok := d.ResolveTarget("wecom:group:room-1@ops")
	if !ok || rt != (ResolvedTarget{Channel: "wecom", AccountID: "ops", To: "room-1"}) {
		t.Errorf("unexpected resolution %+v ok=%v", rt, ok)
	}
	if d.CanResolve("bad target") {
		t.Error("whitespace target should not resolve")
	}

	got := d.ResolveTargets([]string{"alice", "nope nope", "group:g1"})
	if len(got) != 2 || got[0].To != "alice" || got[1].To != "g1" {
		t.Errorf("unexpected batch %+v", got)
	}
	if len(d.TargetFormats()) == 0 {
		t.Error("formats should not be empty")
	}
}

func TestWeCom_Messaging(t *testing.T) {
	var m Messaging
	if n, ok := m.NormalizeTarget("wecom:user:Alice"); !ok || n != "user:Alice" {
		t.Errorf("NormalizeTarget = %q, %v", n, ok)
	}
	if m.Hint() == "" {
		t.Error("hint should not be empty")
	}
	if got := m.FormatTargetDisplay("group:g1", "Team"); got != "group:g1" {
		t.Errorf("FormatTargetDisplay = %q", got)
	}
}

func TestWeCom_Accounts(t *testing.T) {
	var a Accounts
	cfg := testConfig()
	cfg.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{"ops": {AllowFrom: config.FlexStringList{" Bob "}}}

	if ids := a.ListAccountIDs(cfg); len(ids) != 2 || ids[0] != "default" || ids[1] != "ops" {
		t.Errorf("unexpected ids %v", ids)
	}
	if allow := a.ResolveAllowFrom(cfg, "ops"); len(allow) != 1 || allow[0] != "bob" {
		t.Errorf("unexpected allowFrom %v", allow)
	}
	if !a.ResolveRequireMention(cfg, "ops") {
		t.Error("requireMention defaults to true")
	}

	disabled := a.SetAccountEnabled(cfg, "ops", false)
	if a.ResolveAccount(disabled, "ops").Enabled {
		t.Error("ops should be disabled in the new snapshot")
	}
	if !a.ResolveAccount(cfg, "ops").Enabled {
		t.Error("original snapshot must not change")
	}
	if ids := a.ListAccountIDs(a.DeleteAccount(cfg, "ops")); len(ids) != 1 {
		t.Errorf("expected ops removed, got %v", ids)
	}
	if !a.IsConfigured(a.ResolveAccount(cfg, "ops")) {
		t.Error("ops inherits credentials")
	}
}

func TestWeCom_StartAccountsServesCallbacks(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{
		"ops":    {WebhookPath: "/wecom/ops"},
		"paused": {Enabled: &off},
	}
	rec := &memRecorder{}
	w := NewWeCom(WeComConfig{Config: cfg, Logger: quietLogger(), Status: rec})

	if n := w.StartAccounts(context.Background()); n != 2 {
		t.Fatalf("expected 2 running accounts, got %d", n)
	}
	if paths := w.Webhooks().Paths(); len(paths) != 2 {
		t.Errorf("unexpected paths %v", paths)
	}
	rec.mu.Lock()
	if !rec.last["ops"].Running {
		t.Error("ops status should be persisted as running")
	}
	if _, ok := rec.last["paused"]; ok {
		t.Error("disabled account should not be started")
	}
	rec.mu.Unlock()

	srv := httptest.NewServer(w.Webhooks())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/wecom/ops")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unsigned request, got %d", resp.StatusCode)
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(w.Webhooks().Paths()) != 0 {
		t.Error("Stop should unregister every account")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.last["ops"].Running {
		t.Error("ops status should be persisted as stopped")
	}
}

func TestWeCom_SendWithoutCallback(t *testing.T) {
	w := NewWeCom(WeComConfig{Config: testConfig(), Logger: quietLogger()})
	err := w.Send(context.Background(), "user:alice", "hello")
	if !errors.Is(err, ErrNoReplyChannel) {
		t.Errorf("expected ErrNoReplyChannel, got %v", err)
	}
}
