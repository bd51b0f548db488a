package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	iothub "github.com/edgeforge/iothub"
	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/corr"
	"github.com/edgeforge/iothub/credentials"
	"github.com/edgeforge/iothub/sas"
	"github.com/edgeforge/iothub/transport"
)

// state is the handler's lifecycle per spec.md §4.E.
type state int

const (
	created state = iota
	opening
	open
	closing
	closedState
)

const (
	apiVersion          = "2020-09-30"
	productInfo         = "iothub-go-sdk"
	defaultTokenLifetime = time.Hour
	defaultRefreshBuffer = 10 * time.Minute
)

// HandlerOption configures a Handler at construction.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l common.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithModuleID scopes the handler to an Edge module rather than a bare device.
func WithModuleID(moduleID string) HandlerOption {
	return func(h *Handler) { h.moduleID = moduleID }
}

// Handler is the MQTT transport handler: the core state machine spec'd in
// §4.E. Grounded on transport/mqtt/mqtt.go's MQTT struct and Connect/
// RetrieveTwinProperties/UpdateTwinProperties/RespondDirectMethod/Close,
// generalized to own its correlation registry, token refresher, sweeper, and
// connection-status bus as the scoped resources §5 describes, instead of
// inlining an unswept map and no reconnect signalling.
type Handler struct {
	creds    *credentials.Credentials
	settings *transport.Settings
	moduleID string
	logger   common.Logger

	codec   TopicCodec
	adapter clientAdapter
	corrreg *corr.Registry
	refresh *sas.Refresher
	status  *ConnectionStatusBus

	mu    sync.RWMutex
	st    state
	ready struct {
		twinResponses bool
	}

	listenersMu      sync.RWMutex
	messageListener  transport.MessageListener
	methodListener   transport.MethodListener
	desiredListener  transport.DesiredPropertiesListener

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewHandler constructs a Handler. The refresh loop, adapter, and sweeper are
// not started until Open.
func NewHandler(creds *credentials.Credentials, settings *transport.Settings, opts ...HandlerOption) *Handler {
	if settings == nil {
		settings = transport.DefaultSettings()
	}
	h := &Handler{
		creds:    creds,
		settings: settings,
		logger:   common.NewLogger("mqtt", common.LevelError, nil),
		corrreg:  corr.New(),
		status:   NewConnectionStatusBus(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.adapter = NewMqttClientAdapter(h.logger)
	return h
}

// RegisterStatusListener implements transport.Handler.
func (h *Handler) RegisterStatusListener(l transport.StatusListener) {
	h.status.Register(l)
}

func (h *Handler) emit(status transport.ConnectionStatus, reason transport.ConnectionStatusChangeReason) {
	h.status.Emit(transport.StatusChange{
		Status:            status,
		Reason:            reason,
		RecommendedAction: recommendedActionFor(reason),
	})
}

// Open implements transport.Handler. Idempotent once: a second call while
// already Open is a no-op.
func (h *Handler) Open(ctx context.Context) error {
	h.mu.Lock()
	if h.st == open {
		h.mu.Unlock()
		return nil
	}
	if h.st != created {
		h.mu.Unlock()
		return iothub.NewError(iothub.Unknown, "handler cannot be reopened once closed", nil)
	}
	h.st = opening
	h.mu.Unlock()

	if !h.creds.IsX509() {
		signer := func(ctx context.Context, audience string) (string, time.Time, error) {
			now := time.Now()
			tok, err := h.creds.GenerateToken(audience, credentials.WithDuration(defaultTokenLifetime), credentials.WithCurrentTime(now))
			if err != nil {
				return "", time.Time{}, err
			}
			return tok, now.Add(defaultTokenLifetime - defaultRefreshBuffer), nil
		}
		h.refresh = sas.New(signer, h.creds.Audience(), sas.WithLogger(h.logger))
		if err := h.refresh.Run(ctx); err != nil {
			h.mu.Lock()
			h.st = created
			h.mu.Unlock()
			return iothub.NewError(iothub.Unauthorized, "initial token issue failed", err)
		}
	}

	if err := h.connect(ctx); err != nil {
		h.mu.Lock()
		h.st = created
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.st = open
	h.mu.Unlock()

	h.startSweeper()
	h.emit(transport.Connected, transport.ClientOpen)
	return nil
}

func (h *Handler) clientID() string {
	if h.moduleID != "" {
		return h.creds.DeviceID + "/" + h.moduleID
	}
	return h.creds.DeviceID
}

func (h *Handler) username() string {
	u := fmt.Sprintf("%s/%s/?api-version=%s&DeviceClientType=%s",
		h.creds.HostName, h.clientID(), apiVersion, productInfo)
	if h.settings.ModelID != "" {
		u += "&model-id=" + h.settings.ModelID
	}
	if h.settings.AuthChain != "" {
		u += "&auth-chain=" + h.settings.AuthChain
	}
	return u
}

func (h *Handler) connect(ctx context.Context) error {
	opts := &ConnectOptions{
		Broker:       "tls://" + h.creds.HostName + ":8883",
		ClientID:     h.clientID(),
		Username:     h.username(),
		KeepAlive:    h.settings.KeepAlive,
		CleanSession: h.settings.CleanSession,
		OnDisconnect: h.onDisconnect,
	}
	if h.settings.Variant == transport.TransportMQTTWS {
		opts.Broker = "wss://" + h.creds.HostName + "/$iothub/websocket"
	}
	if h.settings.TLS != nil {
		opts.TLSConfig = h.settings.TLS.Build(h.creds.HostName)
	} else {
		opts.TLSConfig = (&common.TLSSettings{}).Build(h.creds.HostName)
	}
	if h.settings.Proxy != nil {
		opts.Proxy = &ProxyDialer{URL: h.settings.Proxy.URL, Username: h.settings.Proxy.Username, Password: h.settings.Proxy.Password}
	}
	if h.settings.WillMessage != nil {
		opts.Will = &WillOptions{
			Topic:   h.settings.WillMessage.Topic,
			Payload: h.settings.WillMessage.Payload,
			QoS:     h.settings.WillMessage.QoS,
			Retain:  h.settings.WillMessage.Retain,
		}
	}

	if !h.creds.IsX509() {
		issued, err := h.refresh.Current(ctx)
		if err != nil {
			return iothub.NewError(iothub.Unauthorized, "no token available", err)
		}
		opts.Password = issued.Token
	}

	return h.adapter.Connect(ctx, opts)
}

func (h *Handler) onDisconnect(err error) {
	h.logger.Warnf("mqtt: disconnected: %v", err)
	h.corrreg.Sweep(time.Now(), 0, iothub.NewError(iothub.NetworkErrors, "disconnected", err))
	h.emit(transport.DisconnectedRetrying, transport.CommunicationError)
}

// Close implements transport.Handler. Stops the sweeper, the refresh loop,
// and the adapter, in that order, and is idempotent.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.st == closedState || h.st == created {
		h.st = closedState
		h.mu.Unlock()
		return nil
	}
	h.st = closing
	h.mu.Unlock()

	h.stopSweeper()
	if h.refresh != nil {
		h.refresh.Close()
	}
	h.adapter.Disconnect(250)

	h.mu.Lock()
	h.st = closedState
	h.mu.Unlock()

	h.emit(transport.Closed, transport.ClientClose)
	return nil
}

func (h *Handler) isOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st == open
}

func (h *Handler) requireOpen() error {
	if !h.isOpen() {
		return iothub.NewError(iothub.Unknown, "handler is not open", nil)
	}
	return nil
}

// SendTelemetry implements transport.Handler.
func (h *Handler) SendTelemetry(ctx context.Context, msg *common.Message) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	base := h.codec.DeviceToCloud(h.creds.DeviceID)
	if h.moduleID != "" {
		base = h.codec.ModuleToCloud(h.creds.DeviceID, h.moduleID)
	}
	topic := h.codec.EncodeProperties(base, msg)
	return h.adapter.Publish(ctx, topic, h.settings.PublishQoS, msg.Payload)
}

// EnableReceiveMessage implements transport.Handler.
func (h *Handler) EnableReceiveMessage(ctx context.Context, l transport.MessageListener) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	h.listenersMu.Lock()
	h.messageListener = l
	h.listenersMu.Unlock()

	topic := h.codec.CloudToDevice(h.creds.DeviceID)
	if h.moduleID != "" {
		topic = h.codec.ModuleInputs(h.creds.DeviceID, h.moduleID)
	}
	return h.adapter.Subscribe(ctx, h.codec.WithWildcard(topic), h.settings.SubscribeQoS, h.onCloudToDevice)
}

// DisableReceiveMessage implements transport.Handler.
func (h *Handler) DisableReceiveMessage(ctx context.Context) error {
	h.listenersMu.Lock()
	h.messageListener = nil
	h.listenersMu.Unlock()

	topic := h.codec.CloudToDevice(h.creds.DeviceID)
	if h.moduleID != "" {
		topic = h.codec.ModuleInputs(h.creds.DeviceID, h.moduleID)
	}
	return h.adapter.Unsubscribe(ctx, h.codec.WithWildcard(topic))
}

// onCloudToDevice handles both plain device-bound C2D deliveries and Edge
// module-input deliveries, which share this codepath but ack differently:
// a module input auto-acks on receipt like every other subscribed family,
// while a device-bound message is left unacked over the wire until the
// listener calls IncomingMessage.Ack, per the auto-ack table in §8.
func (h *Handler) onCloudToDevice(topic string, payload []byte, ack func()) {
	msg := &common.Message{Payload: payload}
	userProps, err := h.codec.DecodeProperties(topic, msg)
	if err != nil {
		h.logger.Warnf("mqtt: malformed cloud-to-device topic: %v", err)
		ack()
		return
	}
	msg.Properties = userProps
	if input, ok := h.codec.ParseInputName(topic); ok {
		msg.InputName = input
	}

	h.listenersMu.RLock()
	l := h.messageListener
	h.listenersMu.RUnlock()
	if l == nil {
		ack()
		return
	}

	if h.moduleID != "" {
		// module event/input: auto-ack, per §8.
		ack()
		l(context.Background(), &transport.IncomingMessage{
			Message: msg,
			Ack:     func(error) {},
		})
		return
	}

	l(context.Background(), &transport.IncomingMessage{
		Message: msg,
		Ack: func(err error) {
			if err != nil {
				h.logger.Warnf("mqtt: message listener reported an error, acknowledging anyway (abandon/reject unsupported over mqtt): %v", err)
			}
			ack()
		},
	})
}

// EnableMethods implements transport.Handler.
func (h *Handler) EnableMethods(ctx context.Context, l transport.MethodListener) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	h.listenersMu.Lock()
	h.methodListener = l
	h.listenersMu.Unlock()
	return h.adapter.Subscribe(ctx, h.codec.WithWildcard(h.codec.MethodRequestSub()), h.settings.SubscribeQoS, h.onMethodRequest)
}

// DisableMethods implements transport.Handler.
func (h *Handler) DisableMethods(ctx context.Context) error {
	h.listenersMu.Lock()
	h.methodListener = nil
	h.listenersMu.Unlock()
	return h.adapter.Unsubscribe(ctx, h.codec.WithWildcard(h.codec.MethodRequestSub()))
}

// onMethodRequest auto-acks: a method request is either dispatched to a
// listener or dropped, but never left unacked over the wire, per §8.
func (h *Handler) onMethodRequest(topic string, payload []byte, ack func()) {
	defer ack()
	method, rid, err := h.codec.ParseDirectMethodTopic(topic)
	if err != nil {
		h.logger.Warnf("mqtt: malformed direct-method topic: %v", err)
		return
	}
	h.listenersMu.RLock()
	l := h.methodListener
	h.listenersMu.RUnlock()
	if l == nil {
		return
	}
	go l(&transport.MethodRequest{RequestID: rid, Method: method, Payload: payload})
}

// SendMethodResponse implements transport.Handler.
func (h *Handler) SendMethodResponse(ctx context.Context, resp *transport.MethodResponse) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	topic := h.codec.MethodResponse(resp.Status, resp.RequestID)
	return h.adapter.Publish(ctx, topic, h.settings.PublishQoS, resp.Payload)
}

// EnableTwinPatch implements transport.Handler.
func (h *Handler) EnableTwinPatch(ctx context.Context, l transport.DesiredPropertiesListener) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	h.listenersMu.Lock()
	h.desiredListener = l
	h.listenersMu.Unlock()
	if err := h.adapter.Subscribe(ctx, h.codec.WithWildcard(h.codec.TwinDesiredPush()), h.settings.SubscribeQoS, h.onDesiredPatch); err != nil {
		return err
	}
	return h.ensureTwinResponseSubscription(ctx)
}

// DisableTwinPatch implements transport.Handler.
func (h *Handler) DisableTwinPatch(ctx context.Context) error {
	h.listenersMu.Lock()
	h.desiredListener = nil
	h.listenersMu.Unlock()
	return h.adapter.Unsubscribe(ctx, h.codec.WithWildcard(h.codec.TwinDesiredPush()))
}

// onDesiredPatch auto-acks, per §8.
func (h *Handler) onDesiredPatch(topic string, payload []byte, ack func()) {
	defer ack()
	var patch map[string]interface{}
	if err := json.Unmarshal(payload, &patch); err != nil {
		h.logger.Warnf("mqtt: malformed desired-properties patch: %v", err)
		return
	}
	h.listenersMu.RLock()
	l := h.desiredListener
	h.listenersMu.RUnlock()
	if l != nil {
		l(patch)
	}
}

// ensureTwinResponseSubscription subscribes to the twin response topic at
// most once per open session, per the idempotent-flag invariant in §3.
func (h *Handler) ensureTwinResponseSubscription(ctx context.Context) error {
	h.mu.Lock()
	if h.ready.twinResponses {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.adapter.Subscribe(ctx, h.codec.WithWildcard(h.codec.TwinResponseSub()), h.settings.SubscribeQoS, h.onTwinResponse); err != nil {
		return err
	}
	h.mu.Lock()
	h.ready.twinResponses = true
	h.mu.Unlock()
	return nil
}

// onTwinResponse auto-acks, per §8.
func (h *Handler) onTwinResponse(topic string, payload []byte, ack func()) {
	defer ack()
	status, rid, version, err := h.codec.ParseTwinResponseTopic(topic)
	if err != nil {
		h.logger.Warnf("mqtt: malformed twin response topic: %v", err)
		return
	}
	h.corrreg.Complete(rid, &twinResponse{status: status, version: version, body: payload})
}

type twinResponse struct {
	status  int
	version int
	body    []byte
}

// GetTwin implements transport.Handler.
func (h *Handler) GetTwin(ctx context.Context) (*transport.TwinResult, error) {
	if err := h.requireOpen(); err != nil {
		return nil, err
	}
	if err := h.ensureTwinResponseSubscription(ctx); err != nil {
		return nil, err
	}

	rid := common.GenID()
	ch, err := h.corrreg.Insert(rid)
	if err != nil {
		return nil, iothub.NewError(iothub.Unknown, "duplicate request id", err)
	}
	if err := h.adapter.Publish(ctx, h.codec.TwinGet(rid), h.settings.PublishQoS, nil); err != nil {
		h.corrreg.Cancel(rid, err)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tr := res.Value.(*twinResponse)
		if tr.status != 200 {
			return nil, twinErrorFromBody(tr.status, tr.body)
		}
		var doc transport.TwinDocument
		if err := json.Unmarshal(tr.body, &doc); err != nil {
			return nil, iothub.NewError(iothub.Unknown, "malformed twin document", err)
		}
		return &transport.TwinResult{Twin: &doc}, nil
	case <-ctx.Done():
		h.corrreg.Cancel(rid, ctx.Err())
		return nil, ctx.Err()
	}
}

// UpdateReportedProperties implements transport.Handler.
func (h *Handler) UpdateReportedProperties(ctx context.Context, reported map[string]interface{}) (int, error) {
	if err := h.requireOpen(); err != nil {
		return 0, err
	}
	if err := h.ensureTwinResponseSubscription(ctx); err != nil {
		return 0, err
	}

	body, err := json.Marshal(reported)
	if err != nil {
		return 0, iothub.NewError(iothub.ArgumentInvalid, "reported properties not JSON-serializable", err)
	}

	rid := common.GenID()
	ch, err := h.corrreg.Insert(rid)
	if err != nil {
		return 0, iothub.NewError(iothub.Unknown, "duplicate request id", err)
	}
	if err := h.adapter.Publish(ctx, h.codec.TwinReportedPatch(rid), h.settings.PublishQoS, body); err != nil {
		h.corrreg.Cancel(rid, err)
		return 0, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		tr := res.Value.(*twinResponse)
		if tr.status != 204 {
			return 0, twinErrorFromBody(tr.status, tr.body)
		}
		return tr.version, nil
	case <-ctx.Done():
		h.corrreg.Cancel(rid, ctx.Err())
		return 0, ctx.Err()
	}
}

func twinErrorFromBody(status int, body []byte) error {
	var eb transport.ErrorBody
	_ = json.Unmarshal(body, &eb) // missing fields default to zero per §6

	kind := kindFromStatus(status, eb.ErrorCode)
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("twin request failed with status %d", status)
	}
	e := iothub.NewError(kind, msg, nil)
	e.TrackingID = eb.TrackingID
	return e
}

func kindFromStatus(status, errorCode int) iothub.Kind {
	switch {
	case errorCode == 400004 || status == 400:
		return iothub.ArgumentInvalid
	case status == 401:
		return iothub.Unauthorized
	case status == 404:
		return iothub.DeviceNotFound
	case status == 412:
		return iothub.PreconditionFailed
	case status == 413:
		return iothub.MessageTooLarge
	case status == 429:
		return iothub.Throttled
	case status == 408:
		return iothub.Timeout
	case status >= 500:
		return iothub.ServerError
	default:
		return iothub.Unknown
	}
}

func (h *Handler) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	h.sweepCancel = cancel
	h.sweepDone = make(chan struct{})

	period := h.settings.TwinResponseTimeout
	if period <= 0 {
		period = 30 * time.Second
	}

	go func() {
		defer close(h.sweepDone)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n := h.corrreg.Sweep(time.Now(), period, iothub.NewError(iothub.NetworkErrors, "Did not receive twin response from service.", nil))
				if n > 0 {
					h.logger.Debugf("mqtt: swept %d stale pending operations", n)
				}
			}
		}
	}()
}

func (h *Handler) stopSweeper() {
	if h.sweepCancel != nil {
		h.sweepCancel()
		<-h.sweepDone
	}
}
