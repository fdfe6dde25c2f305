package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/recfleet"
)

// APIClient talks to a running recfleet daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *APIClient) do(method, path string, body any, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *APIClient) AddRule(r recfleet.Rule) error {
	return c.do(http.MethodPost, "/rules", r, nil)
}

func (c *APIClient) ListRules() ([]recfleet.Rule, error) {
	var out []recfleet.Rule
	err := c.do(http.MethodGet, "/rules", nil, &out)
	return out, err
}

func (c *APIClient) RemoveRule(name string) error {
	return c.do(http.MethodDelete, "/rules/"+name, nil, nil)
}

func (c *APIClient) AddCredential(matchExpression, username, password string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.do(http.MethodPost, "/credentials", map[string]string{
		"matchExpression": matchExpression,
		"username":        username,
		"password":        password,
	}, &out)
	return out.ID, err
}

func (c *APIClient) ListCredentials() ([]recfleet.StoredCredential, error) {
	var out []recfleet.StoredCredential
	err := c.do(http.MethodGet, "/credentials", nil, &out)
	return out, err
}

func (c *APIClient) RemoveCredential(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/credentials/%d", id), nil, nil)
}

func (c *APIClient) ListTargets() ([]recfleet.ServiceRef, error) {
	var out []recfleet.ServiceRef
	err := c.do(http.MethodGet, "/targets", nil, &out)
	return out, err
}
