package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	csrfHeader = "X-CSRF-Token"
	csrfCookie = "csrf_token"
)

// apiError is the decoded {"error": {...}} body of a failed call.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// csrfRejected reports whether err is a CSRF denial worth one retry with a
// fresh token.
func csrfRejected(err error) bool {
	ae, ok := err.(*apiError)
	return ok && strings.HasPrefix(ae.Code, "CSRF_")
}

// Client is an HTTP client for the apiguard API. It keeps cookies so the
// double-submit CSRF cookie set by /v1/csrf-token is echoed back.
type Client struct {
	addr  string
	token string
	csrf  string
	jar   http.CookieJar
	http  *http.Client
}

// newClient creates a Client from the current config. Environment variables
// override the stored address, token and CA bundle without being saved.
func newClient() *Client {
	now := time.Now()
	addr := cfg.Address
	if v := os.Getenv("APIGUARD_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Session.bearer(now)
	if v := os.Getenv("APIGUARD_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("APIGUARD_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	jar, _ := cookiejar.New(nil)
	c := &Client{
		addr:  strings.TrimRight(addr, "/"),
		token: token,
		jar:   jar,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Jar:       jar,
		},
	}
	if tok := cfg.Session.csrf(now); tok != "" {
		c.useCSRF(tok, cfg.Session.CSRFExpiresAt)
	}
	return c
}

// useCSRF sends tok in the header and puts the matching cookie in the jar.
func (c *Client) useCSRF(tok string, expires time.Time) {
	c.csrf = tok
	if u, err := url.Parse(c.addr); err == nil {
		c.jar.SetCookies(u, []*http.Cookie{{Name: csrfCookie, Value: tok, Path: "/", Expires: expires}})
	}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "guardctl/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}

	return c.http.Do(req)
}

func (c *Client) get(path string) (map[string]any, error) {
	resp, err := c.do("GET", path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	resp, err := c.do("POST", path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// postWithCSRF posts with the cached CSRF token, fetching one when none is
// cached and once more when the server rejects the cached one.
func (c *Client) postWithCSRF(path string, body any) (map[string]any, error) {
	if c.csrf == "" {
		if err := c.fetchCSRF(); err != nil {
			return nil, err
		}
	}
	result, err := c.post(path, body)
	if err != nil && csrfRejected(err) {
		if ferr := c.fetchCSRF(); ferr != nil {
			return nil, ferr
		}
		result, err = c.post(path, body)
	}
	return result, err
}

// fetchCSRF obtains a fresh token. The cookie lands in the jar, the token is
// sent on later requests and remembered in the session state.
func (c *Client) fetchCSRF() error {
	c.csrf = ""
	result, err := c.get("/v1/csrf-token")
	if err != nil {
		return fmt.Errorf("fetching csrf token: %w", err)
	}
	tok, _ := result["token"].(string)
	if tok == "" {
		return fmt.Errorf("fetching csrf token: empty token")
	}
	c.csrf = tok
	cfg.Session.CSRFToken = tok
	cfg.Session.CSRFExpiresAt = parseTime(result["expiresAt"])
	return nil
}

func parseTime(v any) time.Time {
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode}
		if e, ok := result["error"].(map[string]any); ok {
			ae.Code, _ = e["code"].(string)
			ae.Message, _ = e["message"].(string)
		}
		return nil, ae
	}
	return result, nil
}
