package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/metrics"
	"wecombot/internal/reply"
	"wecombot/internal/target"

	"github.com/google/uuid"
)

var (
	ErrInvalidTarget  = errors.New("wecom: target is not a WeCom user or group id")
	ErrNoReplyChannel = errors.New("wecom: no reply channel available; the intelligent bot can only reply within a callback window")
	ErrEmptyMessage   = errors.New("wecom: nothing to send")
	ErrDelivery       = errors.New("wecom: reply delivery failed")
)

// SendRequest addresses one outbound message. AccountID is used when To
// carries no @account qualifier; Config supplies the default account
// otherwise.
type SendRequest struct {
	Config    *config.Config
	AccountID string
	To        string
	Text      string
	MediaURL  string
	MimeType  string
}

// SendResult reports the outcome of a send. Failures are reported through
// OK=false and Err, never by panicking, so batch callers can carry on.
type SendResult struct {
	Channel   string
	OK        bool
	MessageID string
	Err       error
}

type replyPayload struct {
	MsgType string       `json:"msgtype"`
	Text    *textContent `json:"text,omitempty"`
	File    *fileContent `json:"file,omitempty"`
}

type textContent struct {
	Content string `json:"content"`
}

type fileContent struct {
	URL string `json:"url"`
}

// Outbound delivers replies through response_url handles taken from the
// reply registry. There is no standalone send API for the intelligent bot.
type Outbound struct {
	replies *reply.Registry
	client  *http.Client
	logger  *slog.Logger
}

func NewOutbound(replies *reply.Registry, client *http.Client, logger *slog.Logger) *Outbound {
	if client == nil {
		client = newHTTPClient(0)
	}
	return &Outbound{replies: replies, client: client, logger: logger}
}

// SendText replies with a text message.
func (o *Outbound) SendText(ctx context.Context, req SendRequest) SendResult {
	if strings.TrimSpace(req.Text) == "" {
		return failed(ErrEmptyMessage)
	}
	return o.send(ctx, req, replyPayload{MsgType: "text", Text: &textContent{Content: req.Text}})
}

// SendMedia replies with a file message pointing at MediaURL.
func (o *Outbound) SendMedia(ctx context.Context, req SendRequest) SendResult {
	if strings.TrimSpace(req.MediaURL) == "" {
		return failed(ErrEmptyMessage)
	}
	return o.send(ctx, req, replyPayload{MsgType: "file", File: &fileContent{URL: req.MediaURL}})
}

func failed(err error) SendResult {
	return SendResult{Channel: ChannelName, Err: err}
}

func (o *Outbound) send(ctx context.Context, req SendRequest, payload replyPayload) SendResult {
	to, ok := target.Parse(req.To)
	if !ok {
		return failed(fmt.Errorf("%w: %q", ErrInvalidTarget, req.To))
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = config.DefaultAccount(req.Config)
	}
	key := reply.KeyFor(to, accountID)

	handle, ok := o.replies.Consume(key)
	if !ok {
		metrics.ReplyNoChannel.Inc()
		o.logger.Warn("wecom reply dropped: no response_url", "to", key.String())
		return failed(fmt.Errorf("%w (to %s)", ErrNoReplyChannel, to.Display()))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failed(fmt.Errorf("encode reply: %w", err))
	}

	start := time.Now()
	err = o.post(ctx, handle.URL, body)
	metrics.ReplyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReplyTransport.Inc()
		o.logger.Error("wecom reply failed", "to", key.String(), "msgtype", payload.MsgType, "err", err)
		return failed(fmt.Errorf("%w: %w", ErrDelivery, err))
	}

	metrics.RepliesSent.Inc()
	o.logger.Debug("wecom reply sent", "to", key.String(), "msgtype", payload.MsgType,
		"handle_age", time.Since(handle.CreatedAt).Round(time.Millisecond))
	return SendResult{Channel: ChannelName, OK: true, MessageID: uuid.NewString()}
}

func (o *Outbound) post(ctx context.Context, url string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	// WeCom reports API errors in a 200 body
	var apiResp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if len(bytes.TrimSpace(msg)) > 0 && json.Unmarshal(msg, &apiResp) == nil && apiResp.ErrCode != 0 {
		return fmt.Errorf("errcode %d: %s", apiResp.ErrCode, apiResp.ErrMsg)
	}
	return nil
}
