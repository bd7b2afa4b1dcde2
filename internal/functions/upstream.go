package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// maxUpstreamResponse bounds how much of an upstream body is read.
const maxUpstreamResponse = 10 << 20

// UpstreamError is returned when the upstream call fails or answers non-2xx.
type UpstreamError struct {
	Kind       string // timeout, canceled, connection_refused, network, dns, status, decode, other
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Upstream invokes a function by POSTing its arguments as JSON to an HTTP
// endpoint and decoding the JSON response as the result.
type Upstream struct {
	Key        string
	Type       Type
	Endpoint   string
	Method     string
	AuthType   string
	AuthConfig map[string]string
	Client     *http.Client
}

type upstreamRequest struct {
	FunctionKey string         `json:"functionKey"`
	Type        Type           `json:"type"`
	Args        map[string]any `json:"args"`
}

func (u *Upstream) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(upstreamRequest{FunctionKey: u.Key, Type: u.Type, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}

	method := u.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, u.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	switch u.AuthType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+u.AuthConfig["key"])
	case "header":
		if name := u.AuthConfig["header_name"]; name != "" {
			req.Header.Set(name, u.AuthConfig["key"])
		}
	case "query":
		param := u.AuthConfig["param_name"]
		if param == "" {
			param = "api_key"
		}
		q := req.URL.Query()
		q.Set(param, u.AuthConfig["key"])
		req.URL.RawQuery = q.Encode()
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Kind: classifyUpstreamError(err), Message: redact(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponse))
	if err != nil {
		return nil, &UpstreamError{Kind: classifyUpstreamError(err), Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Kind: "status", StatusCode: resp.StatusCode, Message: upstreamMessage(data)}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &UpstreamError{Kind: "decode", Message: "upstream response is not JSON"}
	}
	return result, nil
}

// upstreamMessage pulls an error message out of a JSON body, falling back to
// a truncated raw body.
func upstreamMessage(data []byte) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		switch e := body.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// redact strips query strings from URLs in transport errors so credentials
// injected as query parameters never reach logs.
func redact(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			return fmt.Sprintf("%s %q: %v", uerr.Op, u.String(), uerr.Err)
		}
	}
	return err.Error()
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

// ErrorKind returns the upstream error category for metrics, or "" when err
// did not come from an upstream call.
func ErrorKind(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}
