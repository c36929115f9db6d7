package config

import (
	"slices"
	"strings"
)

// DefaultAccountID is the account used when none is selected. It always
// logically exists, whether or not the accounts map mentions it.
const DefaultAccountID = "default"

// ResolvedAccount is one account's settings with per-account overrides
// merged over the channel-level values.
type ResolvedAccount struct {
	AccountID  string
	Name       string
	Enabled    bool
	Configured bool
	Config     WeComAccountConfig
}

// AccountDescription is the summary shown by status listings.
type AccountDescription struct {
	AccountID   string `json:"accountId"`
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
	WebhookPath string `json:"webhookPath"`
}

// Clone returns a deep copy of cfg. Edits to the copy never reach cfg.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return Defaults()
	}
	out := *cfg
	wc := &out.Channels.WeCom
	wc.Enabled = cloneBool(wc.Enabled)
	wc.RequireMention = cloneBool(wc.RequireMention)
	wc.AllowFrom = slices.Clone(wc.AllowFrom)
	wc.GroupAllowFrom = slices.Clone(wc.GroupAllowFrom)
	if cfg.Channels.WeCom.Accounts != nil {
		wc.Accounts = make(map[string]WeComAccountConfig, len(cfg.Channels.WeCom.Accounts))
		for id, acct := range cfg.Channels.WeCom.Accounts {
			wc.Accounts[id] = acct.clone()
		}
	}
	return &out
}

func (a WeComAccountConfig) clone() WeComAccountConfig {
	a.Enabled = cloneBool(a.Enabled)
	a.RequireMention = cloneBool(a.RequireMention)
	a.AllowFrom = slices.Clone(a.AllowFrom)
	a.GroupAllowFrom = slices.Clone(a.GroupAllowFrom)
	return a
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// ListAccountIDs returns the default account id plus every configured
// account id, de-duplicated and sorted.
func ListAccountIDs(cfg *Config) []string {
	ids := []string{DefaultAccountID}
	if cfg != nil {
		for id := range cfg.Channels.WeCom.Accounts {
			if id != DefaultAccountID {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// DefaultAccount returns the account selected by channels.wecom.defaultAccount
// when it names a known account, DefaultAccountID otherwise.
func DefaultAccount(cfg *Config) string {
	if cfg == nil {
		return DefaultAccountID
	}
	id := strings.TrimSpace(cfg.Channels.WeCom.DefaultAccount)
	if id == "" {
		return DefaultAccountID
	}
	if _, ok := cfg.Channels.WeCom.Accounts[id]; ok {
		return id
	}
	return DefaultAccountID
}

// ResolveAccount materializes accountID (DefaultAccountID when empty).
func ResolveAccount(cfg *Config, accountID string) ResolvedAccount {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		accountID = DefaultAccountID
	}
	if cfg == nil {
		cfg = &Config{}
	}
	wc := cfg.Channels.WeCom

	merged := WeComAccountConfig{
		Enabled:        cloneBool(wc.Enabled),
		Name:           wc.Name,
		Token:          wc.Token,
		EncodingAESKey: wc.EncodingAESKey,
		ReceiveID:      wc.ReceiveID,
		WebhookPath:    wc.WebhookPath,
		AllowFrom:      slices.Clone(wc.AllowFrom),
		GroupAllowFrom: slices.Clone(wc.GroupAllowFrom),
		RequireMention: cloneBool(wc.RequireMention),
	}
	channelEnabled := boolValue(wc.Enabled, true)

	accountEnabled := true
	if entry, ok := wc.Accounts[accountID]; ok {
		merged = overlay(merged, entry.clone())
		accountEnabled = boolValue(entry.Enabled, true)
	}

	name := strings.TrimSpace(merged.Name)
	if name == "" {
		name = accountID
	}

	return ResolvedAccount{
		AccountID:  accountID,
		Name:       name,
		Enabled:    channelEnabled && accountEnabled,
		Configured: strings.TrimSpace(merged.Token) != "" && strings.TrimSpace(merged.EncodingAESKey) != "",
		Config:     merged,
	}
}

// overlay copies every set field of over onto base.
func overlay(base, over WeComAccountConfig) WeComAccountConfig {
	if over.Enabled != nil {
		base.Enabled = over.Enabled
	}
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Token != "" {
		base.Token = over.Token
	}
	if over.EncodingAESKey != "" {
		base.EncodingAESKey = over.EncodingAESKey
	}
	if over.ReceiveID != "" {
		base.ReceiveID = over.ReceiveID
	}
	if over.WebhookPath != "" {
		base.WebhookPath = over.WebhookPath
	}
	if over.AllowFrom != nil {
		base.AllowFrom = over.AllowFrom
	}
	if over.GroupAllowFrom != nil {
		base.GroupAllowFrom = over.GroupAllowFrom
	}
	if over.RequireMention != nil {
		base.RequireMention = over.RequireMention
	}
	return base
}

// SetAccountEnabled returns a new snapshot with accountID enabled or
// disabled. Named accounts with an entry are toggled in place of the entry;
// everything else toggles the channel-level flag.
func SetAccountEnabled(cfg *Config, accountID string, enabled bool) *Config {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	next := cfg.Clone()
	wc := &next.Channels.WeCom
	if entry, ok := wc.Accounts[accountID]; ok {
		entry.Enabled = &enabled
		wc.Accounts[accountID] = entry
		return next
	}
	wc.Enabled = &enabled
	return next
}

// DeleteAccount returns a new snapshot without accountID. The default
// account cannot disappear: its overrides are dropped and the channel is
// disabled instead. Removing the last named account leaves Accounts nil.
func DeleteAccount(cfg *Config, accountID string) *Config {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	next := cfg.Clone()
	wc := &next.Channels.WeCom

	delete(wc.Accounts, accountID)
	if len(wc.Accounts) == 0 {
		wc.Accounts = nil
	}

	if accountID == DefaultAccountID {
		disabled := false
		wc.Enabled = &disabled
		if wc.DefaultAccount == DefaultAccountID {
			wc.DefaultAccount = ""
		}
		return next
	}

	if wc.DefaultAccount == accountID {
		wc.DefaultAccount = ""
	}
	return next
}

// WebhookPath returns the account's callback path, defaulting to /wecom.
func (a ResolvedAccount) WebhookPath() string {
	p := strings.TrimSpace(a.Config.WebhookPath)
	if p == "" {
		return DefaultWebhookPath
	}
	return p
}

// DescribeAccount summarizes a resolved account.
func DescribeAccount(a ResolvedAccount) AccountDescription {
	return AccountDescription{
		AccountID:   a.AccountID,
		Name:        a.Name,
		Enabled:     a.Enabled,
		Configured:  a.Configured,
		WebhookPath: a.WebhookPath(),
	}
}

// FormatAllowFrom trims and lower-cases entries, dropping blanks.
func FormatAllowFrom(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// ResolveAllowFrom returns the normalized direct-message allow-list. Empty
// means everyone may talk to the bot.
func ResolveAllowFrom(a ResolvedAccount) []string {
	return FormatAllowFrom(a.Config.AllowFrom)
}

// ResolveGroupAllowFrom returns the normalized allow-list of group chat ids.
func ResolveGroupAllowFrom(a ResolvedAccount) []string {
	return FormatAllowFrom(a.Config.GroupAllowFrom)
}

// ResolveRequireMention reports whether group messages must mention the
// bot. Defaults to true.
func ResolveRequireMention(a ResolvedAccount) bool {
	return boolValue(a.Config.RequireMention, true)
}
