// Package kentikapi implements the HTTP uplink contract: device
// lookup/creation and gzip flow POST. Grounded on
// original_source/kentik-api/src/client.rs's Client/Urls.
package kentikapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/otus-agent/otus/internal/errs"
)

// Client is a small wrapper over net/http carrying the auth headers and
// region-derived URL set every request needs.
type Client struct {
	http  *http.Client
	email string
	token string
	urls  Urls
}

// New builds a Client for the given account and region.
func New(email, token, region string) *Client {
	return &Client{
		http:  &http.Client{Timeout: 30 * time.Second},
		email: email,
		token: token,
		urls:  NewURLs(region),
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-CH-Auth-Email", c.email)
	req.Header.Set("X-CH-Auth-API-Token", c.token)
	return req, nil
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, url string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errs.Wrap(errs.Transport, err, "build GET %s", url)
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return json.NewDecoder(res.Body).Decode(out)
}

// Post issues a JSON POST and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errs.Wrap(errs.App, err, "encode request body")
	}
	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Transport, err, "build POST %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// do sends a request and translates non-2xx responses into the error
// taxonomy: 401 is always Auth, otherwise the body's {"error":...} field is
// surfaced if present.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "%s %s", req.Method, req.URL)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return nil, errs.New(errs.Auth, "unauthorized")
	}

	var wrapper struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != "" {
		return nil, errs.WithStatus(errs.App, res.StatusCode, "%s", wrapper.Error)
	}
	return nil, errs.WithStatus(errs.App, res.StatusCode, "unexpected status %s", res.Status)
}

// Flow POSTs a gzip-compressed, already-encoded binary payload to the flow
// ingestion endpoint, grounded on kentik-api's api/flow.rs Client::flow.
func (c *Client) Flow(ctx context.Context, device Device, payload []byte) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return errs.Wrap(errs.App, err, "gzip flow payload")
	}
	if err := gz.Close(); err != nil {
		return errs.Wrap(errs.App, err, "gzip flow payload")
	}

	url := fmt.Sprintf("%s?sid=0&sender_id=%s", c.urls.Flow, device.ClientID())
	req, err := c.newRequest(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return errs.Wrap(errs.Transport, err, "build flow POST")
	}
	req.Header.Set("Content-Type", "application/binary")
	req.Header.Set("Content-Encoding", "gzip")

	_, err = c.do(req)
	return err
}

// Urls is the set of region-derived API endpoints, grounded on
// kentik-api/src/client.rs's Urls::new.
type Urls struct {
	API      string
	DNS      string
	Flow     string
	Internal string
}

// NewURLs derives the endpoint set for a region name ("US", "EU", any other
// becomes "<region>.kentik.com"), with a localhost escape hatch for tests.
func NewURLs(region string) Urls {
	if region == "" {
		region = "US"
	}

	if strings.HasPrefix(region, "localhost") {
		return Urls{
			API:      fmt.Sprintf("http://%s/api/v5", region),
			DNS:      fmt.Sprintf("http://%s/dns", region),
			Flow:     fmt.Sprintf("http://%s/chf", region),
			Internal: fmt.Sprintf("http://%s/api/internal", region),
		}
	}

	var domain string
	switch strings.ToUpper(region) {
	case "US":
		domain = "kentik.com"
	case "EU":
		domain = "kentik.eu"
	default:
		domain = strings.ToLower(region) + ".kentik.com"
	}

	return Urls{
		API:      fmt.Sprintf("https://api.%s/api/v5", domain),
		DNS:      fmt.Sprintf("https://flow.%s/dns", domain),
		Flow:     fmt.Sprintf("https://flow.%s/chf", domain),
		Internal: fmt.Sprintf("https://api.%s/api/internal", domain),
	}
}
