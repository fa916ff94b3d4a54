// Package xrpc is a minimal client for the com.atproto and app.bsky REST
// endpoints the library consumes.
package xrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skystream/skystream/records"
)

// DefaultHost is the PDS used when no host is configured.
const DefaultHost = "bsky.social"

// Error is the JSON error body returned by XRPC endpoints.
type Error struct {
	StatusCode int    `json:"-"`
	Name       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("xrpc %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("xrpc %d %s", e.StatusCode, e.Name)
}

// Client issues XRPC calls against one host. The zero value is not usable;
// construct with NewClient. HTTPS_PROXY and https_proxy are honored via
// the default transport's proxy function.
type Client struct {
	host string
	http *http.Client
	jwt  string
}

// NewClient builds a client for host (no scheme, e.g. "bsky.social").
func NewClient(host string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host: host,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
	}
}

// Host returns the host the client talks to.
func (c *Client) Host() string { return c.host }

// SetJWT installs a bearer token for subsequent calls.
func (c *Client) SetJWT(jwt string) { c.jwt = jwt }

// endpoint builds the call URL. A host carrying an explicit scheme is
// used verbatim, which lets tests point the client at a local server.
func (c *Client) endpoint(nsid string) string {
	base := c.host
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base + "/xrpc/" + nsid
}

func (c *Client) do(req *http.Request, out any) error {
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		xe := &Error{StatusCode: resp.StatusCode, Name: "Unknown"}
		json.Unmarshal(body, xe)
		return xe
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(nsid string, params url.Values, out any) error {
	u := c.endpoint(nsid)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(nsid string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint(nsid), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Session is the result of com.atproto.server.createSession.
type Session struct {
	Did        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// CreateSession authenticates and installs the returned access token on
// the client.
func (c *Client) CreateSession(identifier, password string) (*Session, error) {
	var s Session
	err := c.post("com.atproto.server.createSession", map[string]string{
		"identifier": identifier,
		"password":   password,
	}, &s)
	if err != nil {
		return nil, err
	}
	c.jwt = s.AccessJwt
	return &s, nil
}

// ResolveHandle maps a handle to its DID.
func (c *Client) ResolveHandle(handle string) (string, error) {
	var out struct {
		Did string `json:"did"`
	}
	err := c.get("com.atproto.identity.resolveHandle", url.Values{"handle": {handle}}, &out)
	if err != nil {
		return "", err
	}
	return out.Did, nil
}

// Repo is the result of com.atproto.repo.describeRepo.
type Repo struct {
	Handle          string   `json:"handle"`
	Did             string   `json:"did"`
	Collections     []string `json:"collections"`
	HandleIsCorrect bool     `json:"handleIsCorrect"`
}

// DescribeRepo fetches repository information for a DID or handle.
func (c *Client) DescribeRepo(repo string) (*Repo, error) {
	var out Repo
	err := c.get("com.atproto.repo.describeRepo", url.Values{"repo": {repo}}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Actor is one entry of a follow graph page.
type Actor struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

// Follows is one page of app.bsky.graph.getFollows.
type Follows struct {
	Follows []Actor `json:"follows"`
	Cursor  string  `json:"cursor"`
}

// GetFollows fetches one page of the follow graph for actor. limit 0 uses
// the server default; cursor "" starts from the beginning.
func (c *Client) GetFollows(actor string, limit int, cursor string) (*Follows, error) {
	params := url.Values{"actor": {actor}}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out Follows
	if err := c.get("app.bsky.graph.getFollows", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAllFollows walks every page of the follow graph and returns the
// followed DIDs.
func (c *Client) GetAllFollows(actor string) ([]string, error) {
	var dids []string
	cursor := ""
	for {
		page, err := c.GetFollows(actor, 100, cursor)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Follows {
			dids = append(dids, f.Did)
		}
		if page.Cursor == "" || len(page.Follows) == 0 {
			return dids, nil
		}
		cursor = page.Cursor
	}
}

// CreateRecordResult is the strong ref returned by createRecord.
type CreateRecordResult struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

// CreateRecord writes a record into the repository.
func (c *Client) CreateRecord(repo, collection string, record any) (*CreateRecordResult, error) {
	var out CreateRecordResult
	err := c.post("com.atproto.repo.createRecord", map[string]any{
		"repo":       repo,
		"collection": collection,
		"record":     record,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadBlob uploads binary data and returns its blob ref for embedding.
func (c *Client) UploadBlob(data []byte, contentType string) (*records.BlobRef, error) {
	req, err := http.NewRequest(http.MethodPost, c.endpoint("com.atproto.repo.uploadBlob"), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	var out struct {
		Blob records.BlobRef `json:"blob"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out.Blob, nil
}
