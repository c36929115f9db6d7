package domain

import "time"

// AccountStatus is a read-only snapshot of one account's lifecycle state.
type AccountStatus struct {
	AccountID     string    `json:"accountId"`
	Running       bool      `json:"running"`
	Configured    bool      `json:"configured"`
	WebhookPath   string    `json:"webhookPath,omitempty"`
	LastStartAt   time.Time `json:"lastStartAt,omitzero"`
	LastStopAt    time.Time `json:"lastStopAt,omitzero"`
	LastInboundAt time.Time `json:"lastInboundAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// StatusSink receives a fresh snapshot after every status change.
type StatusSink func(AccountStatus)
