// Package registry is a thin client for the service-side device/module
// identity and twin management REST API. It is not part of the device's
// runtime path; tools use it to provision and inspect what a device
// connects as.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	iothub "github.com/edgeforge/iothub"
	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/credentials"
)

const apiVersion = "2020-09-30"

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithLogger overrides the client's logger, the default discards everything.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the *http.Client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// Client talks to the hub's device/module/twin management REST surface,
// authenticating with a hub-level shared access policy (not a per-device key).
type Client struct {
	creds   *credentials.Credentials
	http    *http.Client
	logger  common.Logger
	baseURL string // overrides "https://"+creds.HostName, tests only
}

// withBaseURL points requests at a test server instead of the real hub.
func withBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// New creates a Client from hub-level credentials, e.g. parsed from the
// "iothubowner" or a custom shared-access-policy connection string.
func New(creds *credentials.Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds:  creds,
		http:   http.DefaultClient,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Device is a device identity as stored by the hub.
type Device struct {
	DeviceID        string          `json:"deviceId,omitempty"`
	ETag            string          `json:"etag,omitempty"`
	Status          string          `json:"status,omitempty"`
	Authentication  *Authentication `json:"authentication,omitempty"`
	ConnectionState string          `json:"connectionState,omitempty"`
}

// Module is a module identity scoped to a device.
type Module struct {
	ModuleID       string          `json:"moduleId,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
	ETag           string          `json:"etag,omitempty"`
	Authentication *Authentication `json:"authentication,omitempty"`
	ManagedBy      string          `json:"managedBy,omitempty"`
}

// Authentication describes how a device or module proves its identity.
type Authentication struct {
	Type           string          `json:"type,omitempty"`
	SymmetricKey   *SymmetricKey   `json:"symmetricKey,omitempty"`
	X509Thumbprint *X509Thumbprint `json:"x509Thumbprint,omitempty"`
}

// SymmetricKey is a pair of base64-encoded SAS keys.
type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey,omitempty"`
	SecondaryKey string `json:"secondaryKey,omitempty"`
}

// X509Thumbprint identifies a client certificate without storing it.
type X509Thumbprint struct {
	PrimaryThumbprint   string `json:"primaryThumbprint,omitempty"`
	SecondaryThumbprint string `json:"secondaryThumbprint,omitempty"`
}

// Twin is the service-side twin document: tags plus desired/reported
// property sets, as distinct from the device-side transport.TwinResult
// the device itself observes.
type Twin struct {
	DeviceID   string                 `json:"deviceId,omitempty"`
	ModuleID   string                 `json:"moduleId,omitempty"`
	ETag       string                 `json:"etag,omitempty"`
	Tags       map[string]interface{} `json:"tags,omitempty"`
	Properties *TwinProperties        `json:"properties,omitempty"`
}

// TwinProperties splits a Twin's properties into desired and reported sets.
type TwinProperties struct {
	Desired  map[string]interface{} `json:"desired,omitempty"`
	Reported map[string]interface{} `json:"reported,omitempty"`
}

// GetDevice retrieves the named device identity.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	if err := c.call(ctx, http.MethodGet, devicePath(deviceID), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDevice creates a new device identity.
func (c *Client) CreateDevice(ctx context.Context, device *Device) (*Device, error) {
	var d Device
	if err := c.call(ctx, http.MethodPut, devicePath(device.DeviceID), nil, device, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ReplaceDevice updates the named device identity, using its ETag for
// optimistic concurrency (an empty ETag replaces unconditionally).
func (c *Client) ReplaceDevice(ctx context.Context, device *Device) (*Device, error) {
	var d Device
	if err := c.call(ctx, http.MethodPut, devicePath(device.DeviceID), ifMatch(device.ETag), device, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDevice removes the named device identity.
func (c *Client) DeleteDevice(ctx context.Context, deviceID, etag string) error {
	return c.call(ctx, http.MethodDelete, devicePath(deviceID), ifMatch(etag), nil, nil)
}

// GetTwin retrieves the service-side twin document for a device.
func (c *Client) GetTwin(ctx context.Context, deviceID string) (*Twin, error) {
	var t Twin
	if err := c.call(ctx, http.MethodGet, twinPath(deviceID), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTwin merges tags/desired properties into a device's twin document.
func (c *Client) UpdateTwin(ctx context.Context, twin *Twin) (*Twin, error) {
	var t Twin
	if err := c.call(ctx, http.MethodPatch, twinPath(twin.DeviceID), ifMatch(twin.ETag), twin, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func devicePath(deviceID string) string {
	return "devices/" + url.PathEscape(deviceID)
}

func twinPath(deviceID string) string {
	return "twins/" + url.PathEscape(deviceID)
}

func ifMatch(etag string) http.Header {
	if etag == "" {
		etag = "*"
	}
	return http.Header{"If-Match": {`"` + etag + `"`}}
}

func (c *Client) call(ctx context.Context, method, path string, headers http.Header, body, out interface{}) error {
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	base := c.baseURL
	if base == "" {
		base = "https://" + c.creds.HostName
	}
	uri := base + "/" + path + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, method, uri, bytes.NewReader(b))
	if err != nil {
		return err
	}
	token, err := c.creds.GenerateToken(c.creds.HostName)
	if err != nil {
		return iothub.NewError(iothub.Unauthorized, "generating registry SAS token", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", token)
	req.Header.Set("Request-Id", common.GenID())
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	c.logger.Debugf("registry: %s %s", method, path)
	res, err := c.http.Do(req)
	if err != nil {
		return iothub.NewError(iothub.NetworkErrors, fmt.Sprintf("%s %s", method, path), err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return iothub.NewError(iothub.NetworkErrors, "reading registry response", err)
	}
	if res.StatusCode == http.StatusNoContent || (out == nil && res.StatusCode < 300) {
		return nil
	}
	if res.StatusCode >= 300 {
		return iothub.NewError(kindFromStatus(res.StatusCode), string(respBody), nil)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func kindFromStatus(status int) iothub.Kind {
	switch {
	case status == 400:
		return iothub.ArgumentInvalid
	case status == 401:
		return iothub.Unauthorized
	case status == 404:
		return iothub.DeviceNotFound
	case status == 412:
		return iothub.PreconditionFailed
	case status == 429:
		return iothub.Throttled
	case status >= 500:
		return iothub.ServerError
	default:
		return iothub.Unknown
	}
}
