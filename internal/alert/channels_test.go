package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureServer(t *testing.T, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &payload
}

func TestNewChannel(t *testing.T) {
	if _, err := NewChannel("pagerduty", "http://example.com", nil); err == nil {
		t.Error("unknown channel kind should be an error")
	}

	ch, err := NewChannel("dingtalk", "", nil)
	if err != nil {
		t.Fatalf("empty URL should yield noop, got %v", err)
	}
	if _, ok := ch.(NoopChannel); !ok {
		t.Errorf("empty URL channel = %T, want NoopChannel", ch)
	}

	for _, kind := range []string{"dingtalk", "feishu", "wecom", "wechat_work"} {
		if _, err := NewChannel(kind, "http://example.com", nil); err != nil {
			t.Errorf("NewChannel(%q) failed: %v", kind, err)
		}
	}
}

func TestDingTalkEnvelope(t *testing.T) {
	srv, payload := captureServer(t, http.StatusOK)

	ch, _ := NewChannel("dingtalk", srv.URL, srv.Client())
	if err := ch.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	p := *payload
	if p["msgtype"] != "text" {
		t.Errorf("msgtype = %v", p["msgtype"])
	}
	text, _ := p["text"].(map[string]any)
	if text["content"] != "hello" {
		t.Errorf("content = %v", text["content"])
	}
}

func TestFeishuEnvelope(t *testing.T) {
	srv, payload := captureServer(t, http.StatusOK)

	ch, _ := NewChannel("feishu", srv.URL, srv.Client())
	if err := ch.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	p := *payload
	if p["msg_type"] != "text" {
		t.Errorf("msg_type = %v", p["msg_type"])
	}
	content, _ := p["content"].(map[string]any)
	if content["text"] != "hello" {
		t.Errorf("text = %v", content["text"])
	}
}

func TestWeComEnvelope(t *testing.T) {
	srv, payload := captureServer(t, http.StatusOK)

	ch, _ := NewChannel("wecom", srv.URL, srv.Client())
	if err := ch.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	p := *payload
	if p["msgtype"] != "text" {
		t.Errorf("msgtype = %v", p["msgtype"])
	}
}

func TestSend_HTTPError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)

	ch, _ := NewChannel("dingtalk", srv.URL, srv.Client())
	if err := ch.Send(context.Background(), "hello"); err == nil {
		t.Error("5xx response should be an error")
	}
}

func TestNoopChannel(t *testing.T) {
	if err := (NoopChannel{}).Send(context.Background(), "dropped"); err != nil {
		t.Errorf("noop send failed: %v", err)
	}
}
