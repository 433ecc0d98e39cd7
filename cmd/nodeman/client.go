package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	nodeman "github.com/nnlgsakib/openhash-nodeman"
)

// APIClient talks to a running `nodeman serve` daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:7420"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/node/status")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) StartNode(nc nodeman.NodeConfig) error {
	data, err := json.Marshal(nc)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.baseURL+"/node/start", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.expectOK(resp)
}

func (c *APIClient) StopNode() error {
	resp, err := c.client.Post(c.baseURL+"/node/stop", "application/json", nil)
	if err != nil {
		return err
	}
	return c.expectOK(resp)
}

func (c *APIClient) Status() (bool, error) {
	resp, err := c.client.Get(c.baseURL + "/node/status")
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Running bool `json:"running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Running, nil
}

func (c *APIClient) Logs() (string, error) {
	resp, err := c.client.Get(c.baseURL + "/logs")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Logs string `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *APIClient) ClearLogs() error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/logs", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	return c.expectOK(resp)
}

// expectOK drains the response and converts non-2xx statuses into the
// daemon's error message.
func (c *APIClient) expectOK(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("%s", errResp.Error)
}
