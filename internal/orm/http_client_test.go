package orm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type capturedCall struct {
	Path    string
	Auth    string
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      string          `json:"id"`
		Params  json.RawMessage `json:"params"`
	}
}

func rpcServer(t *testing.T, result string, captured *capturedCall) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if captured != nil {
			captured.Path = r.URL.Path
			captured.Auth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&captured.Request); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "rl_") {
			t.Errorf("expected correlation id header, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":` + result + `}`))
	}))
}

func TestHTTPClientCallKWEnvelope(t *testing.T) {
	var captured capturedCall
	server := rpcServer(t, `[3,1]`, &captured)
	defer server.Close()

	client := NewHTTPClient(server.URL, "token_1", server.Client())
	ids, err := client.Search(context.Background(), "project.task", Domain{[]any{"active", "=", true}}, SearchOptions{Limit: 2, Order: "sequence ASC"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 1 {
		t.Fatalf("expected ids [3 1], got %v", ids)
	}
	if captured.Path != "/web/dataset/call_kw/project.task/search" {
		t.Fatalf("unexpected path %s", captured.Path)
	}
	if captured.Auth != "Bearer token_1" {
		t.Fatalf("expected bearer token, got %q", captured.Auth)
	}
	if captured.Request.JSONRPC != "2.0" || captured.Request.Method != "call" || captured.Request.ID == "" {
		t.Fatalf("unexpected envelope: %+v", captured.Request)
	}
	var params struct {
		Model  string         `json:"model"`
		Method string         `json:"method"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := json.Unmarshal(captured.Request.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Model != "project.task" || params.Method != "search" {
		t.Fatalf("unexpected params: %+v", params)
	}
	if len(params.Args) != 1 {
		t.Fatalf("expected domain as only positional arg, got %v", params.Args)
	}
	if params.Kwargs["limit"] != float64(2) || params.Kwargs["order"] != "sequence ASC" {
		t.Fatalf("unexpected kwargs: %v", params.Kwargs)
	}
}

func TestHTTPClientResequenceParams(t *testing.T) {
	var captured capturedCall
	server := rpcServer(t, `true`, &captured)
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	offset := int64(4)
	ok, err := client.Resequence(context.Background(), ResequenceParams{
		Model:  "project.task",
		IDs:    []int64{3, 1, 2},
		Field:  "sequence",
		Offset: &offset,
	})
	if err != nil || !ok {
		t.Fatalf("expected resequence success, got %v %v", ok, err)
	}
	if captured.Path != ResequencePath {
		t.Fatalf("unexpected path %s", captured.Path)
	}
	if captured.Auth != "" {
		t.Fatalf("expected no auth header without token, got %q", captured.Auth)
	}
	var params map[string]any
	if err := json.Unmarshal(captured.Request.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["offset"] != float64(4) || params["field"] != "sequence" {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestHTTPClientResequenceOmitsMissingOffset(t *testing.T) {
	var captured capturedCall
	server := rpcServer(t, `false`, &captured)
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	ok, err := client.Resequence(context.Background(), ResequenceParams{Model: "project.task", Field: "sequence"})
	if err != nil {
		t.Fatalf("resequence failed: %v", err)
	}
	if ok {
		t.Fatalf("expected false result to be forwarded")
	}
	if strings.Contains(string(captured.Request.Params), "offset") {
		t.Fatalf("expected offset to be omitted, got %s", captured.Request.Params)
	}
	if !strings.Contains(string(captured.Request.Params), `"ids":[]`) {
		t.Fatalf("expected empty ids list, got %s", captured.Request.Params)
	}
}

func TestHTTPClientWebSearchRead(t *testing.T) {
	server := rpcServer(t, `{"length":7,"records":[{"id":1,"name":"A","sequence":10}]}`, nil)
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	result, err := client.WebSearchRead(context.Background(), "project.task", SearchReadRequest{Fields: []string{"name"}, Limit: 1})
	if err != nil {
		t.Fatalf("web_search_read failed: %v", err)
	}
	if result.Length != 7 || len(result.Records) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if id, ok := AsInt64(result.Records[0]["id"]); !ok || id != 1 {
		t.Fatalf("expected id 1, got %v", result.Records[0]["id"])
	}
}

func TestHTTPClientCallReturnsRawResult(t *testing.T) {
	server := rpcServer(t, `{"type":"ir.actions.act_window"}`, nil)
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	raw, err := client.Call(context.Background(), "project.task", "action_archive", []any{[]int64{1}}, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if string(raw) != `{"type":"ir.actions.act_window"}` {
		t.Fatalf("unexpected raw result %s", raw)
	}
}

func TestHTTPClientMapsRPCErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","error":{"code":200,"message":"Server Error","data":{"name":"MissingError","message":"Record does not exist","debug":"trace"}}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Read(context.Background(), "project.task", []int64{99}, []string{"name"}, nil)
	if err == nil {
		t.Fatalf("expected rpc error")
	}
	if !errors.Is(err, ErrMissingRecord) {
		t.Fatalf("expected ErrMissingRecord, got %v", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Debug != "trace" || rpcErr.Detail != "Record does not exist" {
		t.Fatalf("expected typed rpc error, got %#v", err)
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":5}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	count, err := client.SearchCount(context.Background(), "project.task", nil, nil)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected count 5, got %d", count)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsHTTPErrorAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = time.Millisecond
	_, err := client.Unlink(context.Background(), "project.task", []int64{1}, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests || httpErr.Code != "rate_limited" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected 429 to be retryable")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"missing scope"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Write(context.Background(), "project.task", []int64{1}, Values{"name": "x"}, nil)
	if IsRetryable(err) {
		t.Fatalf("expected 403 not to be retryable")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected doubled delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After delay, got %s", got)
	}
}
