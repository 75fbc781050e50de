package headless

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{NavigationTimeout: -1}, nil, nil); err == nil {
		t.Fatal("expected error for negative navigation timeout")
	}
	fetcher, err := NewChromedp(Config{Settle: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()
	if got := fetcher.settle(); got != time.Second {
		t.Fatalf("expected settle override, got %v", got)
	}
}

func TestFetcherNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	if got := fetcher.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	fetcher.cfg.NavigationTimeout = time.Second
	if got := fetcher.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"c"}, "X-None": {}})
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
	if netHeaders["X-One"] != "c" {
		t.Fatalf("expected single value, got %v", netHeaders["X-One"])
	}
	if _, ok := netHeaders["X-None"]; ok {
		t.Fatal("expected empty header to be skipped")
	}
}

func TestCapturerCollectsMatchingBodies(t *testing.T) {
	t.Parallel()

	bodies := map[network.RequestID]string{
		"1": `{"inventories":{"results":[]}}`,
		"3": `broken`,
	}
	c := newCapturer(Intercept{Match: func(u string) bool {
		return strings.Contains(u, "inventory") && strings.Contains(u, "api")
	}}, zap.NewNop(), func(id network.RequestID) ([]byte, error) {
		if id == "3" {
			return nil, errors.New("no resource with given identifier")
		}
		return []byte(bodies[id]), nil
	})

	c.onEvent(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{URL: "https://www.edmunds.com/gateway/api/inventory/v5/find", Status: 200}})
	c.onEvent(&network.EventResponseReceived{RequestID: "2", Response: &network.Response{URL: "https://www.edmunds.com/app.js", Status: 200}})
	c.onEvent(&network.EventResponseReceived{RequestID: "3", Response: &network.Response{URL: "https://www.edmunds.com/api/inventory/other", Status: 200}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "2"})
	c.onEvent(&network.EventLoadingFinished{RequestID: "1"})
	c.onEvent(&network.EventLoadingFinished{RequestID: "3"})
	c.onEvent(&network.EventLoadingFinished{RequestID: "9"})

	got := c.wait()
	if len(got) != 1 {
		t.Fatalf("expected one capture, got %d", len(got))
	}
	if got[0].Status != 200 || string(got[0].Body) != bodies["1"] {
		t.Fatalf("unexpected capture: %+v", got[0])
	}
}

func TestCapturerIgnoresResponsesFinishingAfterWait(t *testing.T) {
	t.Parallel()

	var reads sync.WaitGroup
	c := newCapturer(Intercept{Match: func(string) bool { return true }}, zap.NewNop(), func(network.RequestID) ([]byte, error) {
		reads.Done()
		return []byte(`{}`), nil
	})

	reads.Add(1)
	c.onEvent(&network.EventResponseReceived{RequestID: "early", Response: &network.Response{URL: "https://www.edmunds.com/api/inventory/v5/find?page=1", Status: 200}})
	c.onEvent(&network.EventResponseReceived{RequestID: "late", Response: &network.Response{URL: "https://www.edmunds.com/api/inventory/v5/find?page=2", Status: 200}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "early"})

	got := c.wait()
	reads.Wait()
	if len(got) != 1 || !strings.HasSuffix(got[0].URL, "page=1") {
		t.Fatalf("expected only the early capture, got %+v", got)
	}

	// Events keep arriving on the listener goroutine after wait returns.
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.onEvent(&network.EventLoadingFinished{RequestID: "late"})
		c.onEvent(&network.EventResponseReceived{RequestID: "later", Response: &network.Response{URL: "https://www.edmunds.com/api/inventory/v5/find?page=3", Status: 200}})
		c.onEvent(&network.EventLoadingFinished{RequestID: "later"})
	}()
	<-done

	if again := c.wait(); len(again) != 1 {
		t.Fatalf("expected late responses to be dropped, got %d captures", len(again))
	}
}

func TestRequestGateBlocksAndContinues(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		actions []chromedp.Action
	)
	gate := &requestGate{
		block: func(u string) bool { return strings.HasSuffix(u, ".png") },
		run: func(a chromedp.Action) error {
			defer wg.Done()
			mu.Lock()
			actions = append(actions, a)
			mu.Unlock()
			return nil
		},
		logger: zap.NewNop(),
	}

	wg.Add(2)
	gate.onEvent(&fetch.EventRequestPaused{RequestID: "a", Request: &network.Request{URL: "https://www.edmunds.com/logo.png"}})
	gate.onEvent(&fetch.EventRequestPaused{RequestID: "b", Request: &network.Request{URL: "https://www.edmunds.com/inventory/srp.html"}})
	gate.onEvent(&network.EventLoadingFinished{RequestID: "c"})
	wg.Wait()

	var failed, continued int
	for _, a := range actions {
		switch p := a.(type) {
		case *fetch.FailRequestParams:
			failed++
			if p.RequestID != "a" {
				t.Fatalf("expected image request to be failed, got %s", p.RequestID)
			}
		case *fetch.ContinueRequestParams:
			continued++
		}
	}
	if failed != 1 || continued != 1 {
		t.Fatalf("expected one failed and one continued request, got %d/%d", failed, continued)
	}
}
