// Package iotdevice is the device-facing client: it wraps a transport.Handler
// with the subscriber-fanout, connection-state tracking, and convenience
// methods an application expects, while the handler itself stays a single
// open/close/enable/disable state machine underneath.
package iotdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/credentials"
	"github.com/edgeforge/iothub/transport"
	"github.com/edgeforge/iothub/transport/mqtt"
)

// ClientOption configures a Client at construction.
type ClientOption func(c *Client)

// WithLogger overrides the client's (and its handler's) logger.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithModuleID scopes the client to an Edge module identity rather than a
// bare device identity.
func WithModuleID(moduleID string) ClientOption {
	return func(c *Client) { c.moduleID = moduleID }
}

// WithSettings overrides the transport settings used on Connect.
func WithSettings(s *transport.Settings) ClientOption {
	return func(c *Client) { c.settings = s }
}

// WithHandler injects a pre-built transport.Handler instead of letting
// Connect construct the default MQTT one. Mainly useful for tests.
func WithHandler(h transport.Handler) ClientOption {
	return func(c *Client) { c.handler = h }
}

// Client is an IoT Hub device (or Edge module) client: telemetry publish,
// cloud-to-device receive, direct methods, and device-twin sync, multiplexed
// over one transport.Handler.
//
// Grounded on the teacher's iotdevice.Client (Connect/Publish/SubscribeEvents/
// HandleMethod/RetrieveState/UpdateTwin/SubscribeTwinChanges), adapted to
// drive a transport.Handler instead of the narrower teacher transport.Transport
// interface, and to fan each of the handler's single callbacks out to many
// subscribers via the mux types instead of keeping at most one callback alive
// directly on the connection.
type Client struct {
	creds    *credentials.Credentials
	settings *transport.Settings
	moduleID string
	logger   common.Logger

	handler transport.Handler

	mu              sync.Mutex
	messagesEnabled bool
	methodsEnabled  bool
	twinEnabled     bool

	messages messageMux
	methods  methodMux
	twin     stateMux
}

// New constructs a Client for the given credentials. The transport isn't
// touched until Connect.
func New(creds *credentials.Credentials, opts ...ClientOption) *Client {
	c := &Client{
		creds:  creds,
		logger: common.NewLogger("iotdevice", common.LevelError, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the client's device id.
func (c *Client) DeviceID() string {
	return c.creds.DeviceID
}

// Connect opens the underlying transport. Calling Connect again after a
// successful Connect does not reconnect, since transport.Handler.Open is a
// no-op on an open handler, but each call registers one more
// status-logging listener on the handler.
func (c *Client) Connect(ctx context.Context) error {
	if c.handler == nil {
		var opts []mqtt.HandlerOption
		opts = append(opts, mqtt.WithHandlerLogger(c.logger))
		if c.moduleID != "" {
			opts = append(opts, mqtt.WithModuleID(c.moduleID))
		}
		c.handler = mqtt.NewHandler(c.creds, c.settings, opts...)
	}
	c.handler.RegisterStatusListener(func(change transport.StatusChange) {
		c.logger.Infof("connection status: %s (%s)", change.Status, change.Reason)
	})
	return c.handler.Open(ctx)
}

// Close closes the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close(ctx)
}

// Publish sends a device-to-cloud (or module-to-cloud) message. Panics if
// msg is nil, mirroring the teacher's guard against a common footgun.
func (c *Client) Publish(ctx context.Context, msg *common.Message) error {
	if msg == nil {
		panic("msg is nil")
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.handler.SendTelemetry(ctx, msg)
}

// SubscribeEvents registers fn for every cloud-to-device (or module-input)
// message and blocks until ctx is done, then deregisters fn.
func (c *Client) SubscribeEvents(ctx context.Context, fn MessageHandler) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.messages.add(fn)
	defer c.messages.remove(fn)

	c.mu.Lock()
	first := !c.messagesEnabled
	c.messagesEnabled = true
	c.mu.Unlock()
	if first {
		if err := c.handler.EnableReceiveMessage(ctx, c.onMessage); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) onMessage(ctx context.Context, msg *transport.IncomingMessage) {
	c.messages.dispatch(msg)
	msg.Ack(nil)
}

// HandleMethod registers fn as the handler for the named direct method and
// blocks until ctx is done, then deregisters it. Returns an error if name is
// already registered.
func (c *Client) HandleMethod(ctx context.Context, name string, fn DirectMethodHandler) error {
	if err := c.ready(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("method name cannot be blank")
	}
	if err := c.methods.handle(name, fn); err != nil {
		return err
	}
	defer c.methods.remove(name)

	c.mu.Lock()
	first := !c.methodsEnabled
	c.methodsEnabled = true
	c.mu.Unlock()
	if first {
		if err := c.handler.EnableMethods(ctx, c.onMethod); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) onMethod(req *transport.MethodRequest) {
	status, body := c.methods.dispatch(req.Method, req.Payload)
	if err := c.handler.SendMethodResponse(context.Background(), &transport.MethodResponse{
		RequestID: req.RequestID,
		Status:    status,
		Payload:   body,
	}); err != nil {
		c.logger.Warnf("iotdevice: sending response to method %q failed: %v", req.Method, err)
	}
}

// SubscribeTwinUpdates registers fn for every desired-properties patch and
// blocks until ctx is done, then deregisters fn.
func (c *Client) SubscribeTwinUpdates(ctx context.Context, fn TwinUpdateHandler) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.twin.add(fn)
	defer c.twin.remove(fn)

	c.mu.Lock()
	first := !c.twinEnabled
	c.twinEnabled = true
	c.mu.Unlock()
	if first {
		if err := c.handler.EnableTwinPatch(ctx, c.twin.dispatch); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// RetrieveTwinState fetches the device twin's desired and reported sections.
func (c *Client) RetrieveTwinState(ctx context.Context) (desired, reported map[string]interface{}, err error) {
	if err := c.ready(); err != nil {
		return nil, nil, err
	}
	res, err := c.handler.GetTwin(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res.Twin.Desired, res.Twin.Reported, nil
}

// UpdateTwinState patches the reported-properties section and returns the
// resulting twin version. Set a key's value to nil to remove it.
func (c *Client) UpdateTwinState(ctx context.Context, reported map[string]interface{}) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.handler.UpdateReportedProperties(ctx, reported)
}

func (c *Client) ready() error {
	if c.handler == nil {
		return fmt.Errorf("iotdevice: not connected, call Connect first")
	}
	return nil
}
