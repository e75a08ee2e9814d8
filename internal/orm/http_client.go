package orm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CallKWPath     = "/web/dataset/call_kw"
	ResequencePath = "/web/dataset/resequence"
	BusPath        = "/web/bus/ws"
)

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8069"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Name    string `json:"name"`
			Message string `json:"message"`
			Debug   string `json:"debug"`
		} `json:"data"`
	} `json:"error"`
}

type callKWParams struct {
	Model  string         `json:"model"`
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// CallKW invokes a model method and decodes its result into out.
func (c *HTTPClient) CallKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	path := fmt.Sprintf("%s/%s/%s", CallKWPath, url.PathEscape(model), url.PathEscape(method))
	return c.doRPC(ctx, path, callKWParams{Model: model, Method: method, Args: args, Kwargs: kwargs}, out)
}

func (c *HTTPClient) Search(ctx context.Context, model string, domain Domain, opts SearchOptions) ([]int64, error) {
	kwargs := map[string]any{}
	if opts.Offset > 0 {
		kwargs["offset"] = opts.Offset
	}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	if opts.Context != nil {
		kwargs["context"] = opts.Context
	}
	var ids []int64
	err := c.CallKW(ctx, model, "search", []any{domainArg(domain)}, kwargs, &ids)
	return ids, err
}

func (c *HTTPClient) SearchCount(ctx context.Context, model string, domain Domain, kwctx Context) (int, error) {
	var count int
	err := c.CallKW(ctx, model, "search_count", []any{domainArg(domain)}, contextKwargs(kwctx), &count)
	return count, err
}

func (c *HTTPClient) Read(ctx context.Context, model string, ids []int64, fields []string, kwctx Context) ([]Values, error) {
	var records []Values
	err := c.CallKW(ctx, model, "read", []any{idsArg(ids), stringsArg(fields)}, contextKwargs(kwctx), &records)
	return records, err
}

func (c *HTTPClient) Write(ctx context.Context, model string, ids []int64, changes Values, kwctx Context) (bool, error) {
	var ok bool
	err := c.CallKW(ctx, model, "write", []any{idsArg(ids), changes}, contextKwargs(kwctx), &ok)
	return ok, err
}

func (c *HTTPClient) Create(ctx context.Context, model string, values Values, kwctx Context) (int64, error) {
	if values == nil {
		values = Values{}
	}
	var id int64
	err := c.CallKW(ctx, model, "create", []any{values}, contextKwargs(kwctx), &id)
	return id, err
}

func (c *HTTPClient) Unlink(ctx context.Context, model string, ids []int64, kwctx Context) (bool, error) {
	var ok bool
	err := c.CallKW(ctx, model, "unlink", []any{idsArg(ids)}, contextKwargs(kwctx), &ok)
	return ok, err
}

func (c *HTTPClient) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.CallKW(ctx, model, method, args, kwargs, &raw)
	return raw, err
}

func (c *HTTPClient) WebSearchRead(ctx context.Context, model string, req SearchReadRequest) (SearchReadResult, error) {
	kwargs := map[string]any{
		"domain": domainArg(req.Domain),
		"fields": stringsArg(req.Fields),
		"offset": req.Offset,
	}
	if req.Limit > 0 {
		kwargs["limit"] = req.Limit
	}
	if req.Order != "" {
		kwargs["order"] = req.Order
	}
	if req.Context != nil {
		kwargs["context"] = req.Context
	}
	var out SearchReadResult
	err := c.CallKW(ctx, model, "web_search_read", nil, kwargs, &out)
	return out, err
}

func (c *HTTPClient) WebReadGroup(ctx context.Context, model string, req ReadGroupRequest) (ReadGroupResult, error) {
	kwargs := map[string]any{
		"domain":  domainArg(req.Domain),
		"fields":  stringsArg(req.Fields),
		"groupby": stringsArg(req.GroupBy),
		"offset":  req.Offset,
		"lazy":    req.Lazy,
	}
	if req.Limit > 0 {
		kwargs["limit"] = req.Limit
	}
	if req.OrderBy != "" {
		kwargs["orderby"] = req.OrderBy
	}
	if req.Context != nil {
		kwargs["context"] = req.Context
	}
	var out ReadGroupResult
	err := c.CallKW(ctx, model, "web_read_group", nil, kwargs, &out)
	return out, err
}

func (c *HTTPClient) FieldsGet(ctx context.Context, model string, kwctx Context) (map[string]FieldInfo, error) {
	out := map[string]FieldInfo{}
	err := c.CallKW(ctx, model, "fields_get", nil, contextKwargs(kwctx), &out)
	return out, err
}

func (c *HTTPClient) Resequence(ctx context.Context, params ResequenceParams) (bool, error) {
	if params.IDs == nil {
		params.IDs = []int64{}
	}
	var ok bool
	err := c.doRPC(ctx, ResequencePath, params, &ok)
	return ok, err
}

func (c *HTTPClient) doRPC(ctx context.Context, path string, params any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      uuid.NewString(),
	}
	var resp rpcResponse
	if err := c.doJSON(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return &RPCError{
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Name:    resp.Error.Data.Name,
			Detail:  resp.Error.Data.Message,
			Debug:   resp.Error.Data.Debug,
		}
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], resp.Result...)
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "rl_" + uuid.NewString()
}

func contextKwargs(kwctx Context) map[string]any {
	if kwctx == nil {
		return map[string]any{}
	}
	return map[string]any{"context": kwctx}
}

func domainArg(domain Domain) Domain {
	if domain == nil {
		return Domain{}
	}
	return domain
}

func idsArg(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func stringsArg(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// IsRetryable reports whether err is a transport level failure the caller may
// resubmit unchanged.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return false
}
