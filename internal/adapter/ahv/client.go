package ahv

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/logger"
)

const (
	// DefaultPort is the Prism gateway port.
	DefaultPort = 9440
	// APIPath is the REST v2 base path.
	APIPath = "/api/nutanix/v2.0"

	defaultRetries = 2
	taskPollSecs   = 10
)

// APIError is a non-2xx response from Prism.
type APIError struct {
	Code    int
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.Code }

// TaskError is a Prism task that finished in a failed state.
type TaskError struct {
	UUID   string
	Status string
	Detail string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s %s: %s", e.UUID, strings.ToLower(e.Status), e.Detail)
}

// leveledLogger routes retryablehttp's logging into the service logger.
type leveledLogger struct {
	log *logger.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }

// Client talks to the Prism REST v2 API with basic auth.
type Client struct {
	http     *retryablehttp.Client
	baseURL  string
	username string
	password string
	poll     time.Duration
}

// ClientOptions tune a Client.
type ClientOptions struct {
	Insecure bool
	Retries  int
	// PollInterval spaces task polls. Defaults to one second.
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// NewClient creates a client for baseURL, which includes scheme, host, port
// and APIPath.
func NewClient(baseURL, username, password string, opts ClientOptions) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = leveledLogger{log: logger.Get().Named("ahv")}
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	// Hand the last response back so its status can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	} else if opts.Insecure {
		if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Client{
		http:     rc,
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		poll:     poll,
	}
}

// Ping lists clusters, which any authenticated user may read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/clusters", nil)
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(data, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, &APIError{Code: resp.StatusCode, Method: method, Path: path, Message: msg}
	}

	if len(data) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: fmt.Sprintf("%s %s returned invalid JSON", method, path)}
	}
	return gjson.ParseBytes(data), nil
}

// entities returns the entities array of a list response.
func (c *Client) entities(ctx context.Context, path string) ([]gjson.Result, error) {
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	list := res.Get("entities")
	if !list.IsArray() {
		return nil, &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: fmt.Sprintf("GET %s: response has no entities", path)}
	}
	return list.Array(), nil
}

// ListVMs returns every VM the cluster knows, with NIC configuration so
// guest addresses are included.
func (c *Client) ListVMs(ctx context.Context) ([]gjson.Result, error) {
	return c.entities(ctx, "/vms?include_vm_nic_config=true")
}

// ListHosts returns every host in the cluster.
func (c *Client) ListHosts(ctx context.Context) ([]gjson.Result, error) {
	return c.entities(ctx, "/hosts")
}

// SetPowerState requests a power transition and waits for its task.
func (c *Client) SetPowerState(ctx context.Context, vmUUID, transition string) error {
	body, err := sjson.SetBytes(nil, "transition", transition)
	if err != nil {
		return err
	}
	return c.runTask(ctx, http.MethodPost, "/vms/"+vmUUID+"/set_power_state", body)
}

// CreateVM posts a VM spec and waits for its task.
func (c *Client) CreateVM(ctx context.Context, spec []byte) error {
	return c.runTask(ctx, http.MethodPost, "/vms", spec)
}

// DeleteVM deletes a VM and waits for its task.
func (c *Client) DeleteVM(ctx context.Context, vmUUID string) error {
	return c.runTask(ctx, http.MethodDelete, "/vms/"+vmUUID, nil)
}

func (c *Client) runTask(ctx context.Context, method, path string, body []byte) error {
	res, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	task := res.Get("task_uuid").String()
	if task == "" {
		return &v1alpha1.Failure{Kind: v1alpha1.ErrParseError, Message: fmt.Sprintf("%s %s: response has no task_uuid", method, path)}
	}
	return c.WaitTask(ctx, task)
}

// WaitTask polls a task until it completes. A Failed task yields a
// TaskError carrying Prism's error detail.
func (c *Client) WaitTask(ctx context.Context, taskUUID string) error {
	body, _ := sjson.SetBytes(nil, "completed_tasks", []string{taskUUID})
	body, _ = sjson.SetBytes(body, "timeout_interval", taskPollSecs)

	var taskErr error
	err := wait.PollUntilContextCancel(ctx, c.poll, true, func(ctx context.Context) (bool, error) {
		res, err := c.do(ctx, http.MethodPost, "/tasks/poll", body)
		if err != nil {
			return false, err
		}
		for _, info := range res.Get("completed_tasks_info").Array() {
			if info.Get("uuid").Exists() && info.Get("uuid").String() != taskUUID {
				continue
			}
			switch status := info.Get("progress_status").String(); strings.ToLower(status) {
			case "succeeded":
				return true, nil
			case "failed", "aborted":
				taskErr = &TaskError{UUID: taskUUID, Status: status, Detail: info.Get("meta_response.error_detail").String()}
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return taskErr
}
