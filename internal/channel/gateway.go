package channel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/domain"
	"wecombot/internal/metrics"
)

// StartContext carries what the host supplies when starting an account.
// Runtime is bound for reply dispatch when it implements domain.HostRuntime;
// anything else is ignored.
type StartContext struct {
	AccountID string
	Config    *config.Config
	Runtime   any
	SetStatus domain.StatusSink
	Logger    *slog.Logger
}

type StopContext struct {
	AccountID string
	SetStatus domain.StatusSink
}

// Gateway runs the per-account lifecycle: Stopped -> Starting -> Running and
// back. An account that lacks credentials stays Stopped with
// Configured=false; that is not an error.
type Gateway struct {
	webhooks WebhookRegistrar
	runtime  *runtimeState
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	unregister map[string]func()
	status     map[string]domain.AccountStatus
}

func NewGateway(webhooks WebhookRegistrar, runtime *runtimeState, logger *slog.Logger) *Gateway {
	if runtime == nil {
		runtime = &runtimeState{}
	}
	return &Gateway{
		webhooks:   webhooks,
		runtime:    runtime,
		logger:     logger,
		now:        time.Now,
		unregister: make(map[string]func()),
		status:     make(map[string]domain.AccountStatus),
	}
}

// StartAccount registers the account's webhook receiver. Starting a running
// account replaces its registration; there is never more than one per
// account.
func (g *Gateway) StartAccount(ctx context.Context, sc StartContext) error {
	id := sc.AccountID
	if id == "" {
		id = config.DefaultAccountID
	}
	log := sc.Logger
	if log == nil {
		log = g.logger
	}

	g.patch(sc.SetStatus, id, func(*domain.AccountStatus) {})

	if sc.Runtime != nil {
		if b := BindRuntime(sc.Runtime); b.Bound {
			g.runtime.Set(b.Runtime)
		} else {
			log.Warn("host runtime lacks routing or reply dispatch; replies go through the message bus", "account", id)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	account := config.ResolveAccount(sc.Config, id)
	if !account.Configured {
		log.Info("wecom account not configured; webhook not registered", "account", id)
		g.patch(sc.SetStatus, id, func(st *domain.AccountStatus) {
			st.Running = false
			st.Configured = false
		})
		return nil
	}

	path := strings.TrimSpace(account.WebhookPath())
	unregister, err := g.webhooks.Register(WebhookTarget{
		Account: account,
		Config:  sc.Config,
		Logger:  log,
		Path:    path,
		Status:  func(p StatusPatch) { g.patch(sc.SetStatus, id, p) },
	})
	if err != nil {
		log.Error("wecom webhook registration failed", "account", id, "err", err)
		g.mu.Lock()
		_, running := g.unregister[id]
		g.mu.Unlock()
		g.patch(sc.SetStatus, id, func(st *domain.AccountStatus) {
			// a failed restart keeps the previous registration serving
			if !running {
				st.Running = false
				st.Configured = false
			}
			st.LastError = err.Error()
		})
		return fmt.Errorf("start account %s: %w", id, err)
	}

	g.mu.Lock()
	previous := g.unregister[id]
	g.unregister[id] = unregister
	g.mu.Unlock()
	if previous != nil {
		previous()
	} else {
		metrics.RunningAccounts.Inc()
	}

	log.Info("wecom webhook registered", "account", id, "path", path)
	startedAt := g.now()
	g.patch(sc.SetStatus, id, func(st *domain.AccountStatus) {
		st.Running = true
		st.Configured = true
		st.WebhookPath = path
		st.LastStartAt = startedAt
		st.LastError = ""
	})
	return nil
}

// StopAccount removes the account's webhook receiver. Stopping a stopped
// account only records the stop time. In-flight replies are not cancelled.
func (g *Gateway) StopAccount(_ context.Context, sc StopContext) {
	id := sc.AccountID
	if id == "" {
		id = config.DefaultAccountID
	}

	g.mu.Lock()
	unregister := g.unregister[id]
	delete(g.unregister, id)
	g.mu.Unlock()
	if unregister != nil {
		unregister()
		metrics.RunningAccounts.Dec()
		g.logger.Info("wecom webhook unregistered", "account", id)
	}

	stoppedAt := g.now()
	g.patch(sc.SetStatus, id, func(st *domain.AccountStatus) {
		st.Running = false
		st.LastStopAt = stoppedAt
	})
}

// StopAll stops every running account.
func (g *Gateway) StopAll(ctx context.Context, sink domain.StatusSink) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.unregister))
	for id := range g.unregister {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		g.StopAccount(ctx, StopContext{AccountID: id, SetStatus: sink})
	}
}

// Status returns a copy of the account's last known status.
func (g *Gateway) Status(accountID string) (domain.AccountStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.status[accountID]
	return st, ok
}

// Statuses returns every known account status ordered by account id.
func (g *Gateway) Statuses() []domain.AccountStatus {
	g.mu.Lock()
	out := make([]domain.AccountStatus, 0, len(g.status))
	for _, st := range g.status {
		out = append(out, st)
	}
	g.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.AccountStatus) int { return strings.Compare(a.AccountID, b.AccountID) })
	return out
}

// Reset forgets registrations and statuses without invoking unregister
// handles, and unbinds the host runtime.
func (g *Gateway) Reset() {
	g.mu.Lock()
	g.unregister = make(map[string]func())
	g.status = make(map[string]domain.AccountStatus)
	g.mu.Unlock()
	g.runtime.Reset()
}

func (g *Gateway) patch(sink domain.StatusSink, id string, p StatusPatch) {
	g.mu.Lock()
	st := g.status[id]
	st.AccountID = id
	p(&st)
	g.status[id] = st
	g.mu.Unlock()
	if sink != nil {
		sink(st)
	}
}
