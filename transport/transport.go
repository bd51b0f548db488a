// Package transport defines the protocol-agnostic data model and the
// Handler interface that a concrete wire transport (MQTT, and in principle
// AMQP/HTTP) implements for the device client.
package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/edgeforge/iothub/common"
)

// Variant names the wire transport a Handler speaks.
type Variant int

const (
	TransportMQTT Variant = iota
	TransportMQTTWS
	TransportAMQP
	TransportAMQPWS
	TransportHTTP
)

func (v Variant) String() string {
	switch v {
	case TransportMQTT:
		return "mqtt"
	case TransportMQTTWS:
		return "mqtt-ws"
	case TransportAMQP:
		return "amqp"
	case TransportAMQPWS:
		return "amqp-ws"
	case TransportHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ProxySettings configures a SOCKS5 proxy (a socks5:// or socks5h:// URL) in
// front of the transport. Other URL schemes, http:// included, make Open fail.
type ProxySettings struct {
	URL      string
	Username string
	Password string
}

// WillMessage is published by the broker on the device's behalf if the
// connection drops uncleanly.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// TLSSettings is re-exported so callers configuring TransportSettings don't
// need to import package common directly.
type TLSSettings = common.TLSSettings

// Settings configures a Handler's connection. Only the MQTT fields are
// consumed by the implemented mqtt.Handler; the rest are named per the
// Non-goals (AMQP/HTTP transports aren't implemented) but still modeled so
// callers can express intent and so a future transport has somewhere to land.
// Of the MQTT fields, IdleTimeout is carried but not read by mqtt.Handler.
type Settings struct {
	Variant Variant

	PublishQoS   byte // 0 or 1
	SubscribeQoS byte // 0 or 1
	CleanSession bool
	KeepAlive    time.Duration
	IdleTimeout  time.Duration

	Proxy       *ProxySettings
	WillMessage *WillMessage
	TLS         *TLSSettings

	// AuthChain carries an Edge nested-gateway authentication chain, if any.
	AuthChain string
	// ModelID is a plug-and-play model identifier sent at connect time.
	ModelID string

	// TwinResponseTimeout bounds how long a twin get/patch waits for a
	// response before the age sweeper fails it, and is also the sweeper's
	// period.
	TwinResponseTimeout time.Duration
}

// DefaultSettings returns the conventional MQTT defaults: QoS 1 publishes
// and subscribes, a 30s keep-alive, and a 30s twin response timeout.
func DefaultSettings() *Settings {
	return &Settings{
		Variant:             TransportMQTT,
		PublishQoS:          1,
		SubscribeQoS:        1,
		KeepAlive:           30 * time.Second,
		TwinResponseTimeout: 30 * time.Second,
	}
}

// ConnectionStatus is the coarse-grained state a ConnectionStatusBus reports.
type ConnectionStatus int

const (
	Connected ConnectionStatus = iota
	DisconnectedRetrying
	Closed
	Disabled
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "Connected"
	case DisconnectedRetrying:
		return "DisconnectedRetrying"
	case Closed:
		return "Closed"
	case Disabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// ConnectionStatusChangeReason explains why a ConnectionStatus transition happened.
type ConnectionStatusChangeReason int

const (
	ClientOpen ConnectionStatusChangeReason = iota
	ClientClose
	CommunicationError
	BadCredential
	DeviceDisabled
	ReasonQuotaExceeded
	RetryExpired
)

func (r ConnectionStatusChangeReason) String() string {
	switch r {
	case ClientOpen:
		return "ClientOpen"
	case ClientClose:
		return "ClientClose"
	case CommunicationError:
		return "CommunicationError"
	case BadCredential:
		return "BadCredential"
	case DeviceDisabled:
		return "DeviceDisabled"
	case ReasonQuotaExceeded:
		return "QuotaExceeded"
	case RetryExpired:
		return "RetryExpired"
	default:
		return "Unknown"
	}
}

// RecommendedAction suggests what the caller should do in response to a
// connection-status change.
type RecommendedAction int

const (
	ActionNone RecommendedAction = iota
	ActionRetryImmediately
	ActionRetryWithBackoff
	ActionReauthenticate
	ActionQuit
)

// StatusChange is delivered to every registered ConnectionStatusBus listener.
type StatusChange struct {
	Status            ConnectionStatus
	Reason            ConnectionStatusChangeReason
	RecommendedAction RecommendedAction
}

// ErrorBody is the service's JSON error-response shape.
type ErrorBody struct {
	ErrorCode    int               `json:"ErrorCode"`
	TrackingID   string            `json:"TrackingId"`
	Message      string            `json:"Message"`
	Info         map[string]string `json:"Info"`
	TimestampUTC string            `json:"TimestampUtc"`
}

// TwinDocument is the desired/reported pair returned by GetTwin.
type TwinDocument struct {
	Desired  map[string]interface{} `json:"desired"`
	Reported map[string]interface{} `json:"reported"`
}

// TwinResult is what GetTwin returns on success.
type TwinResult struct {
	Twin    *TwinDocument
	Version int
}

// MethodRequest is a direct-method invocation delivered to the method listener.
type MethodRequest struct {
	RequestID string
	Method    string
	Payload   []byte
}

// MethodResponse is sent back via SendMethodResponse.
type MethodResponse struct {
	RequestID string
	Status    int
	Payload   []byte
}

// IncomingMessage is a cloud-to-device or module-input message delivered to
// the message listener.
type IncomingMessage struct {
	Message *common.Message
	// Ack must be called exactly once by the listener to acknowledge receipt.
	// MQTT has no abandon/reject, so Ack always completes; err, if non-nil,
	// is only logged.
	Ack func(err error)
}

// MessageListener receives cloud-to-device and module-input deliveries.
type MessageListener func(ctx context.Context, msg *IncomingMessage)

// MethodListener receives direct-method invocations. It is not awaited by
// the handler; SendMethodResponse is called independently once ready.
type MethodListener func(req *MethodRequest)

// DesiredPropertiesListener receives desired-property patches.
type DesiredPropertiesListener func(patch map[string]interface{})

// StatusListener receives connection-status transitions.
type StatusListener func(change StatusChange)

// Handler is the core state machine spec'd in §4.E: open/close, subscription
// set management, request/response plumbing, reconnect signalling. A concrete
// wire transport (only MQTT is implemented) satisfies this interface.
type Handler interface {
	// Open connects, idempotently: calling Open a second time on an already
	// open handler is a no-op.
	Open(ctx context.Context) error
	// Close stops the sweeper and the refresh loop and then disconnects the
	// adapter, in that order, and is idempotent. After Close, every other method fails.
	Close(ctx context.Context) error

	SendTelemetry(ctx context.Context, msg *common.Message) error

	EnableReceiveMessage(ctx context.Context, l MessageListener) error
	DisableReceiveMessage(ctx context.Context) error

	EnableMethods(ctx context.Context, l MethodListener) error
	DisableMethods(ctx context.Context) error
	SendMethodResponse(ctx context.Context, resp *MethodResponse) error

	EnableTwinPatch(ctx context.Context, l DesiredPropertiesListener) error
	DisableTwinPatch(ctx context.Context) error
	GetTwin(ctx context.Context) (*TwinResult, error)
	UpdateReportedProperties(ctx context.Context, reported map[string]interface{}) (int, error)

	RegisterStatusListener(l StatusListener)
}

// Signer is the shape of a function that issues the host name, client id,
// password and optional client certificate used at connect time. No type or
// function in this module implements it; mqtt.Handler signs through its own
// credentials and refresher.
type Signer func(ctx context.Context) (hostName, clientID, password string, tlsCert *tls.Certificate, err error)
