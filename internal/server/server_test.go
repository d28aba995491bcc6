package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hype-trade-alerts/internal/feed"
	"hype-trade-alerts/internal/monitor"
	"hype-trade-alerts/internal/storage"
)

type fakeController struct {
	startErr   error
	startCalls int
	stopCalls  int
	status     monitor.Status
}

func (f *fakeController) Start(ctx context.Context) error {
	f.startCalls++
	return f.startErr
}

func (f *fakeController) Stop() { f.stopCalls++ }

func (f *fakeController) Status(ctx context.Context) monitor.Status { return f.status }

type fakeTradeStore struct {
	trades     []storage.TradeRecord
	pagination storage.Pagination
	listErr    error
	pingErr    error
	lastFilter storage.TradeFilter
}

func (f *fakeTradeStore) InsertTrade(ctx context.Context, trade storage.TradeRecord) (bool, error) {
	return false, nil
}

func (f *fakeTradeStore) TradeExists(ctx context.Context, tradeID string) (bool, error) {
	return false, nil
}

func (f *fakeTradeStore) MarkNotificationSent(ctx context.Context, tradeID string) error {
	return nil
}

func (f *fakeTradeStore) ListTrades(ctx context.Context, filter storage.TradeFilter) ([]storage.TradeRecord, storage.Pagination, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, storage.Pagination{}, f.listErr
	}
	return f.trades, f.pagination, nil
}

func (f *fakeTradeStore) RecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error) {
	return nil, nil
}

func (f *fakeTradeStore) TradesBetween(ctx context.Context, from, to time.Time) ([]storage.TradeRecord, error) {
	return nil, nil
}

func (f *fakeTradeStore) Ping(ctx context.Context) error { return f.pingErr }

func newTestServer(ctrl *fakeController, store *fakeTradeStore) *httptest.Server {
	return httptest.NewServer(NewRouter(ctrl, store, zerolog.Nop()))
}

func postJSON(t *testing.T, url, body string) (*http.Response, controlResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	var parsed controlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	return resp, parsed
}

func TestControlStart(t *testing.T) {
	ctrl := &fakeController{status: monitor.Status{Running: true, ConnectionState: feed.StateSubscribed}}
	server := newTestServer(ctrl, &fakeTradeStore{})
	defer server.Close()

	resp, parsed := postJSON(t, server.URL+"/api/monitor", `{"action":"start"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", resp.StatusCode)
	}
	if !parsed.Success || ctrl.startCalls != 1 {
		t.Fatalf("start 未生效: %+v", parsed)
	}
	if parsed.Status == nil || !parsed.Status.Running {
		t.Fatal("start 响应应携带实时状态")
	}
}

func TestControlStartFailureHidesDetail(t *testing.T) {
	ctrl := &fakeController{startErr: errors.New("pgx: connection refused at 10.0.0.5")}
	server := newTestServer(ctrl, &fakeTradeStore{})
	defer server.Close()

	resp, parsed := postJSON(t, server.URL+"/api/monitor", `{"action":"start"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("期望 500, 实际 %d", resp.StatusCode)
	}
	if parsed.Success {
		t.Fatal("失败的 start 不应返回 success")
	}
	if strings.Contains(parsed.Error, "10.0.0.5") || strings.Contains(parsed.Error, "pgx") {
		t.Fatalf("内部错误细节泄漏到响应: %s", parsed.Error)
	}
}

func TestControlStop(t *testing.T) {
	ctrl := &fakeController{}
	server := newTestServer(ctrl, &fakeTradeStore{})
	defer server.Close()

	resp, parsed := postJSON(t, server.URL+"/api/monitor", `{"action":"stop"}`)
	if resp.StatusCode != http.StatusOK || !parsed.Success {
		t.Fatalf("stop 应成功: %d %+v", resp.StatusCode, parsed)
	}
	if ctrl.stopCalls != 1 {
		t.Fatalf("期望调用 Stop 一次, 实际 %d", ctrl.stopCalls)
	}
}

func TestControlInvalidAction(t *testing.T) {
	server := newTestServer(&fakeController{}, &fakeTradeStore{})
	defer server.Close()

	resp, _ := postJSON(t, server.URL+"/api/monitor", `{"action":"restart"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("未知 action 应返回 400, 实际 %d", resp.StatusCode)
	}
}

func TestControlMalformedBody(t *testing.T) {
	server := newTestServer(&fakeController{}, &fakeTradeStore{})
	defer server.Close()

	resp, _ := postJSON(t, server.URL+"/api/monitor", `{invalid`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("非法请求体应返回 400, 实际 %d", resp.StatusCode)
	}
}

func TestMonitorStatusEndpoint(t *testing.T) {
	ctrl := &fakeController{status: monitor.Status{
		Running:           false,
		ConnectionState:   feed.StateReconnecting,
		ReconnectAttempts: 2,
		StorageConnected:  true,
	}}
	server := newTestServer(ctrl, &fakeTradeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/monitor")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	var status monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if status.ConnectionState != feed.StateReconnecting || status.ReconnectAttempts != 2 {
		t.Fatalf("状态不正确: %+v", status)
	}
}

func TestTradeHistoryFilters(t *testing.T) {
	store := &fakeTradeStore{
		trades: []storage.TradeRecord{{
			TradeID:       "1",
			Coin:          "HYPE",
			Side:          storage.SideBuy,
			Quantity:      decimal.RequireFromString("50"),
			Price:         decimal.RequireFromString("5.5"),
			Notional:      decimal.RequireFromString("275"),
			WalletAddress: "0xabc",
			ObservedAt:    time.UnixMilli(1700000000000).UTC(),
		}},
		pagination: storage.Pagination{Page: 2, Total: 21, Pages: 3, HasNext: true, HasPrev: true},
	}
	server := newTestServer(&fakeController{}, store)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/trades?page=2&limit=10&side=BUY&minNotional=250&wallet=abc")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", resp.StatusCode)
	}

	if store.lastFilter.Page != 2 || store.lastFilter.PerPage != 10 {
		t.Fatalf("分页参数未传递: %+v", store.lastFilter)
	}
	if store.lastFilter.Side != "BUY" || store.lastFilter.Wallet != "abc" {
		t.Fatalf("过滤参数未传递: %+v", store.lastFilter)
	}
	if store.lastFilter.MinNotional == nil || !store.lastFilter.MinNotional.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("minNotional 未传递: %+v", store.lastFilter.MinNotional)
	}

	var parsed historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(parsed.Trades) != 1 || parsed.Trades[0].TradeID != "1" {
		t.Fatalf("成交列表不正确: %+v", parsed.Trades)
	}
	if !parsed.Pagination.HasNext || parsed.Pagination.Pages != 3 {
		t.Fatalf("分页元数据不正确: %+v", parsed.Pagination)
	}
}

func TestTradeHistoryInvalidParams(t *testing.T) {
	server := newTestServer(&fakeController{}, &fakeTradeStore{})
	defer server.Close()

	for _, query := range []string{"page=0", "page=abc", "limit=-5", "minNotional=oops", "minNotional=-1"} {
		resp, err := http.Get(server.URL + "/api/trades?" + query)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("查询 %q 应返回 400, 实际 %d", query, resp.StatusCode)
		}
	}
}

func TestTradeHistoryLimitCapped(t *testing.T) {
	store := &fakeTradeStore{}
	server := newTestServer(&fakeController{}, store)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/trades?limit=10000")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if store.lastFilter.PerPage != maxPageSize {
		t.Fatalf("limit 应被截断到 %d, 实际 %d", maxPageSize, store.lastFilter.PerPage)
	}
}

func TestTradeHistoryStoreErrorHidden(t *testing.T) {
	store := &fakeTradeStore{listErr: errors.New("relation trades does not exist")}
	server := newTestServer(&fakeController{}, store)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/trades")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("期望 500, 实际 %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if strings.Contains(body["error"], "relation") {
		t.Fatalf("存储错误细节泄漏: %s", body["error"])
	}
}

func TestHealthz(t *testing.T) {
	store := &fakeTradeStore{}
	server := newTestServer(&fakeController{}, store)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", resp.StatusCode)
	}

	store.pingErr = errors.New("down")
	resp, err = http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("存储不可达时应返回 503, 实际 %d", resp.StatusCode)
	}
}
