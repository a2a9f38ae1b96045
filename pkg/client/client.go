package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// Client is a Hermes API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the authentication token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a new Hermes API client
func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Login authenticates and stores the returned token on the client
func (c *Client) Login(username, password string) (*api.LoginResponse, error) {
	data, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest("POST", "/login", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var login api.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, err
	}

	c.token = login.Token
	return &login, nil
}

// ListProcesses returns all backend processes
func (c *Client) ListProcesses() ([]api.Process, error) {
	resp, err := c.doRequest("GET", "/processes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var processes []api.Process
	if err := json.NewDecoder(resp.Body).Decode(&processes); err != nil {
		return nil, err
	}

	return processes, nil
}

// CreateProcess registers and starts a process from a script
func (c *Client) CreateProcess(name, script string) (*api.Process, error) {
	data, err := json.Marshal(map[string]string{
		"name":   name,
		"script": script,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest("POST", "/processes", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var process api.Process
	if err := json.NewDecoder(resp.Body).Decode(&process); err != nil {
		return nil, err
	}

	return &process, nil
}

// StartProcess starts a process by name
func (c *Client) StartProcess(name string) (*api.Process, error) {
	return c.processAction(name, "start")
}

// RestartProcess restarts a process by name
func (c *Client) RestartProcess(name string) (*api.Process, error) {
	return c.processAction(name, "restart")
}

// StopProcess stops a process by name
func (c *Client) StopProcess(name string) error {
	resp, err := c.doRequest("PUT", fmt.Sprintf("/processes/%s/stop", name), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

func (c *Client) processAction(name, action string) (*api.Process, error) {
	resp, err := c.doRequest("PUT", fmt.Sprintf("/processes/%s/%s", name, action), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var process api.Process
	if err := json.NewDecoder(resp.Body).Decode(&process); err != nil {
		return nil, err
	}

	return &process, nil
}

// ListProjects returns all projects
func (c *Client) ListProjects() ([]api.Project, error) {
	resp, err := c.doRequest("GET", "/projects", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var projects []api.Project
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		return nil, err
	}

	return projects, nil
}

// GetProject returns a project by ID
func (c *Client) GetProject(id string) (*api.Project, error) {
	resp, err := c.doRequest("GET", fmt.Sprintf("/projects/%s", id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var project api.Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, err
	}

	return &project, nil
}

// CreateProject creates a new project
func (c *Client) CreateProject(name, description string, processes []string) (*api.Project, error) {
	data, err := json.Marshal(map[string]interface{}{
		"name":        name,
		"description": description,
		"processes":   processes,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest("POST", "/projects", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var project api.Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, err
	}

	return &project, nil
}

// DeleteProject deletes a project by ID
func (c *Client) DeleteProject(id string) error {
	resp, err := c.doRequest("DELETE", fmt.Sprintf("/projects/%s", id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// AddProjectProcess adds a process to a project's membership
func (c *Client) AddProjectProcess(projectID, name string) (*api.Project, error) {
	resp, err := c.doRequest("POST", fmt.Sprintf("/projects/%s/processes/%s", projectID, name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var project api.Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, err
	}

	return &project, nil
}

// RemoveProjectProcess removes a process from a project's membership
func (c *Client) RemoveProjectProcess(projectID, name string) (*api.Project, error) {
	resp, err := c.doRequest("DELETE", fmt.Sprintf("/projects/%s/processes/%s", projectID, name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var project api.Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, err
	}

	return &project, nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		var apiErr struct {
			Message string `json:"message"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return resp, nil
}
