// Package provisioning implements the REST bootstrap flow a device runs
// once, before it ever opens an MQTT connection: register a registration ID
// with a provisioning service, poll the resulting operation until the
// service assigns the device to a hub, and hand back that hub's hostname
// plus the device id the caller should connect with.
package provisioning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	iothub "github.com/edgeforge/iothub"
	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/credentials"
	"github.com/edgeforge/iothub/retry"
)

const apiVersion = "2019-03-31"

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithLogger overrides the client's logger, the default discards everything.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithX509 authenticates the registration request with a device client
// certificate instead of a symmetric key.
func WithX509(cert tls.Certificate) ClientOption {
	return func(c *Client) {
		c.http.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
}

// WithSymmetricKey authenticates the registration request with a SAS token
// derived from the enrollment's (or enrollment group's, already-derived-per-device)
// base64 symmetric key.
func WithSymmetricKey(key string) ClientOption {
	return func(c *Client) { c.key = key }
}

// WithPollPolicy overrides the retry policy used between operation-status
// polls. The default is a fixed 2s interval, matching the service's own
// guidance of not polling faster than that.
func WithPollPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.poll = p }
}

// WithEndpoint overrides the provisioning service endpoint, for regional or
// private-link deployments. The default is the public global endpoint.
func WithEndpoint(url string) ClientOption {
	return func(c *Client) { c.endpoint = url }
}

// Client registers devices against a Device Provisioning Service instance
// scoped by ScopeID.
type Client struct {
	scopeID  string
	endpoint string
	key      string
	http     *http.Client
	logger   common.Logger
	poll     retry.Policy
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// New creates a Client for the given provisioning service scope. Use
// WithX509 or WithSymmetricKey to set how registration requests authenticate.
func New(scopeID string, opts ...ClientOption) *Client {
	c := &Client{
		scopeID:  scopeID,
		endpoint: "https://global.azure-devices-provisioning.net",
		http:     &http.Client{},
		logger:   nopLogger{},
		poll:     retry.Fixed{Delay: 2 * time.Second, MaxRetries: 30},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assignment is the outcome of a successful registration: the hub the
// device was assigned to, and the device id it should connect with.
type Assignment struct {
	AssignedHub string
	DeviceID    string
}

type registerRequest struct {
	RegistrationID string `json:"registrationId"`
}

type registerReply struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
}

type statusReply struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	RegState    struct {
		AssignedHub string `json:"assignedHub"`
		DeviceID    string `json:"deviceId"`
		Status      string `json:"status"`
		Substatus   string `json:"substatus"`
	} `json:"registrationState"`
}

// Register runs the full register-then-poll flow for registrationID,
// blocking until the service assigns the device, fails it, or ctx is done.
func (c *Client) Register(ctx context.Context, registrationID string) (*Assignment, error) {
	reply, err := c.register(ctx, registrationID)
	if err != nil {
		return nil, err
	}

	status := reply.Status
	opID := reply.OperationID
	for attempt := 1; status == "assigning"; attempt++ {
		ok, delay := c.poll.ShouldRetry(attempt, nil)
		if !ok {
			return nil, iothub.NewError(iothub.Timeout, "provisioning: exhausted poll attempts", nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		s, err := c.pollStatus(ctx, registrationID, opID)
		if err != nil {
			return nil, err
		}
		status = s.Status
		if status == "assigned" {
			return &Assignment{AssignedHub: s.RegState.AssignedHub, DeviceID: s.RegState.DeviceID}, nil
		}
		if status == "failed" || status == "disabled" {
			return nil, iothub.NewError(iothub.Suspended, fmt.Sprintf("provisioning: registration %s", status), nil)
		}
	}
	return nil, iothub.NewError(iothub.Unknown, fmt.Sprintf("provisioning: unexpected status %q", status), nil)
}

func (c *Client) register(ctx context.Context, registrationID string) (*registerReply, error) {
	b, err := json.Marshal(registerRequest{RegistrationID: registrationID})
	if err != nil {
		return nil, err
	}
	uri := fmt.Sprintf("%s/%s/registrations/%s/register?api-version=%s",
		c.endpoint, c.scopeID, registrationID, apiVersion)

	var reply registerReply
	if err := c.call(ctx, http.MethodPut, uri, registrationID, bytes.NewReader(b), &reply, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) pollStatus(ctx context.Context, registrationID, operationID string) (*statusReply, error) {
	uri := fmt.Sprintf("%s/%s/registrations/%s/operations/%s?api-version=%s",
		c.endpoint, c.scopeID, registrationID, operationID, apiVersion)

	var reply statusReply
	if err := c.call(ctx, http.MethodGet, uri, registrationID, nil, &reply, http.StatusOK); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) call(ctx context.Context, method, uri, registrationID string, body io.Reader, out interface{}, wantStatus int) error {
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.key != "" {
		token, err := (&credentials.Credentials{SharedAccessKey: c.key}).GenerateToken(c.scopeID + "/registrations/" + registrationID)
		if err != nil {
			return iothub.NewError(iothub.Unauthorized, "provisioning: deriving SAS token", err)
		}
		req.Header.Set("Authorization", token)
	}

	c.logger.Debugf("provisioning: %s %s", method, uri)
	res, err := c.http.Do(req)
	if err != nil {
		return iothub.NewError(iothub.NetworkErrors, "provisioning request failed", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return iothub.NewError(iothub.NetworkErrors, "reading provisioning response", err)
	}
	if res.StatusCode != wantStatus {
		return iothub.NewError(kindFromStatus(res.StatusCode), string(respBody), nil)
	}
	return json.Unmarshal(respBody, out)
}

func kindFromStatus(status int) iothub.Kind {
	switch {
	case status == 401:
		return iothub.Unauthorized
	case status == 404:
		return iothub.DeviceNotFound
	case status == 429:
		return iothub.Throttled
	case status >= 500:
		return iothub.ServerError
	default:
		return iothub.Unknown
	}
}
