package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"wecombot/internal/config"
	"wecombot/internal/reply"
	"wecombot/internal/target"
)

type capturedReply struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	File struct {
		URL string `json:"url"`
	} `json:"file"`
}

func replyServer(t *testing.T, status int, body string, got *capturedReply, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if got != nil {
			json.NewDecoder(r.Body).Decode(got)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func userKey(acct, id string) reply.Key {
	return reply.Key{AccountID: acct, Kind: target.KindUser, ID: id}
}

func TestOutbound_SendText(t *testing.T) {
	var got capturedReply
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, `{"errcode":0,"errmsg":"ok"}`, &got, &calls)

	replies := reply.NewRegistry()
	replies.Register(userKey("default", "alice"), srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	res := out.SendText(context.Background(), SendRequest{Config: testConfig(), To: "user:alice", Text: "hi there"})
	if !res.OK || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Channel != ChannelName || res.MessageID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if got.MsgType != "text" || got.Text.Content != "hi there" {
		t.Errorf("unexpected payload %+v", got)
	}
	if replies.Len() != 0 {
		t.Error("handle should be consumed")
	}
}

func TestOutbound_SendMedia(t *testing.T) {
	var got capturedReply
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, "", &got, &calls)

	replies := reply.NewRegistry()
	replies.Register(reply.Key{AccountID: "ops", Kind: target.KindGroup, ID: "room"}, srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	res := out.SendMedia(context.Background(), SendRequest{To: "group:room@ops", MediaURL: "https://cdn.example/a.png"})
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if got.MsgType != "file" || got.File.URL != "https://cdn.example/a.png" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestOutbound_NoHandleMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, "", nil, &calls)
	out := NewOutbound(reply.NewRegistry(), srv.Client(), quietLogger())

	res := out.SendText(context.Background(), SendRequest{Config: testConfig(), To: "user:alice", Text: "hi"})
	if res.OK || !errors.Is(res.Err, ErrNoReplyChannel) {
		t.Fatalf("expected ErrNoReplyChannel, got %+v", res)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network call, got %d", calls.Load())
	}
}

func TestOutbound_HandleIsSingleUse(t *testing.T) {
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, "", nil, &calls)
	replies := reply.NewRegistry()
	replies.Register(userKey("default", "alice"), srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	req := SendRequest{Config: testConfig(), To: "alice", Text: "one"}
	if res := out.SendText(context.Background(), req); !res.OK {
		t.Fatalf("first send: %v", res.Err)
	}
	if res := out.SendText(context.Background(), req); !errors.Is(res.Err, ErrNoReplyChannel) {
		t.Fatalf("second send should have no handle, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one call, got %d", calls.Load())
	}
}

func TestOutbound_AccountFallback(t *testing.T) {
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, "", nil, &calls)
	cfg := testConfig()
	cfg.Channels.WeCom.Accounts = map[string]config.WeComAccountConfig{"ops": {}}
	cfg.Channels.WeCom.DefaultAccount = "ops"

	replies := reply.NewRegistry()
	replies.Register(userKey("ops", "alice"), srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	if res := out.SendText(context.Background(), SendRequest{Config: cfg, To: "user:alice", Text: "x"}); !res.OK {
		t.Fatalf("default account should be used, got %+v", res)
	}
}

func TestOutbound_HTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := replyServer(t, http.StatusBadGateway, "upstream down", nil, &calls)
	replies := reply.NewRegistry()
	replies.Register(userKey("default", "alice"), srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	res := out.SendText(context.Background(), SendRequest{Config: testConfig(), To: "user:alice", Text: "hi"})
	if res.OK || !errors.Is(res.Err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %+v", res)
	}
	if replies.Len() != 0 {
		t.Error("a failed delivery still spends the handle")
	}
}

func TestOutbound_APIErrorCode(t *testing.T) {
	var calls atomic.Int32
	srv := replyServer(t, http.StatusOK, `{"errcode":40008,"errmsg":"invalid message type"}`, nil, &calls)
	replies := reply.NewRegistry()
	replies.Register(userKey("default", "alice"), srv.URL)
	out := NewOutbound(replies, srv.Client(), quietLogger())

	res := out.SendText(context.Background(), SendRequest{Config: testConfig(), To: "user:alice", Text: "hi"})
	if res.OK || !errors.Is(res.Err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %+v", res)
	}
}

func TestOutbound_InvalidTarget(t *testing.T) {
	out := NewOutbound(reply.NewRegistry(), nil, quietLogger())
	for _, to := range []string{"", "telegram:123", "user:has space"} {
		res := out.SendText(context.Background(), SendRequest{To: to, Text: "hi"})
		if res.OK || !errors.Is(res.Err, ErrInvalidTarget) {
			t.Errorf("SendText(%q) expected ErrInvalidTarget, got %+v", to, res)
		}
	}
}

func TestOutbound_EmptyMessage(t *testing.T) {
	out := NewOutbound(reply.NewRegistry(), nil, quietLogger())
	if res := out.SendText(context.Background(), SendRequest{To: "user:alice", Text: "  "}); !errors.Is(res.Err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %+v", res)
	}
	if res := out.SendMedia(context.Background(), SendRequest{To: "user:alice"}); !errors.Is(res.Err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %+v", res)
	}
}
