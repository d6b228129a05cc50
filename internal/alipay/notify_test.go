package alipay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []Notification
}

func (p *recordingProcessor) Process(ctx context.Context, n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, n)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func postForm(t *testing.T, h http.Handler, form url.Values) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/alipay/notify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func signedForm(t *testing.T, signer func(map[string]string) string, overrides map[string]string) url.Values {
	t.Helper()
	params := map[string]string{
		"app_id":       "2021001",
		"out_trade_no": "GJTRC-1-42-100-aa",
		"trade_no":     "2026ALITRADE01",
		"total_amount": "25.00",
		"trade_status": "TRADE_SUCCESS",
	}
	for k, v := range overrides {
		if v == "" {
			delete(params, k)
		} else {
			params[k] = v
		}
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("sign", signer(params))
	form.Set("sign_type", "RSA2")
	return form
}

func TestNotifyAckPolicy(t *testing.T) {
	key, pub := newTestKeyPair(t)
	v, err := NewVerifier(pub, testLogger())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	signer := func(params map[string]string) string { return signParams(t, key, params) }

	proc := &recordingProcessor{}
	h := NewNotifyHandler(v, "2021001", proc, testLogger(), nil)

	t.Run("missing sign acks failure", func(t *testing.T) {
		form := url.Values{"out_trade_no": {"x"}}
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "failure" {
			t.Fatalf("code=%d body=%q, want 200 failure", code, body)
		}
	})

	t.Run("unsupported sign_type acks failure", func(t *testing.T) {
		form := signedForm(t, signer, nil)
		form.Set("sign_type", "RSA")
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "failure" {
			t.Fatalf("code=%d body=%q, want 200 failure", code, body)
		}
	})

	t.Run("bad signature acks success without effect", func(t *testing.T) {
		form := signedForm(t, signer, nil)
		form.Set("total_amount", "999.00")
		before := proc.count()
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "success" {
			t.Fatalf("code=%d body=%q, want 200 success", code, body)
		}
		if proc.count() != before {
			t.Fatal("tampered notification reached the processor")
		}
	})

	t.Run("app_id mismatch acks success without effect", func(t *testing.T) {
		form := signedForm(t, signer, map[string]string{"app_id": "9999999"})
		before := proc.count()
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "success" {
			t.Fatalf("code=%d body=%q, want 200 success", code, body)
		}
		if proc.count() != before {
			t.Fatal("mismatched app_id reached the processor")
		}
	})

	t.Run("non-final trade_status acks success without effect", func(t *testing.T) {
		form := signedForm(t, signer, map[string]string{"trade_status": "WAIT_BUYER_PAY"})
		before := proc.count()
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "success" {
			t.Fatalf("code=%d body=%q, want 200 success", code, body)
		}
		if proc.count() != before {
			t.Fatal("non-final status reached the processor")
		}
	})

	t.Run("verified final notification is processed", func(t *testing.T) {
		form := signedForm(t, signer, nil)
		before := proc.count()
		code, body := postForm(t, h, form)
		if code != http.StatusOK || body != "success" {
			t.Fatalf("code=%d body=%q, want 200 success", code, body)
		}
		if proc.count() != before+1 {
			t.Fatal("verified notification did not reach the processor")
		}
		got := proc.seen[len(proc.seen)-1]
		if got.OutTradeNo != "GJTRC-1-42-100-aa" || got.TradeNo != "2026ALITRADE01" {
			t.Fatalf("notification fields: %+v", got)
		}
		if _, ok := got.Params["sign"]; ok {
			t.Fatal("sign leaked into business params")
		}
	})
}

func TestNotifyUnconfiguredKeyAcksFailure(t *testing.T) {
	v, err := NewVerifier("", testLogger())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	h := NewNotifyHandler(v, "2021001", &recordingProcessor{}, testLogger(), nil)
	form := url.Values{
		"sign":      {"c2ln"},
		"sign_type": {"RSA2"},
	}
	code, body := postForm(t, h, form)
	if code != http.StatusOK || body != "failure" {
		t.Fatalf("code=%d body=%q, want 200 failure", code, body)
	}
}

func TestNotifyGETProbe(t *testing.T) {
	_, pub := newTestKeyPair(t)
	v, _ := NewVerifier(pub, testLogger())
	h := NewNotifyHandler(v, "", nil, testLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "/alipay/notify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET probe status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if string(body) != "OK" {
		t.Fatalf("GET probe body = %q", string(body))
	}
}
