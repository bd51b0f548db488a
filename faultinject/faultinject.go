// Package faultinject sends the IoT Hub fault-injection D2C message: a
// telemetry message whose properties the service test harness recognizes as
// an instruction to simulate a connection fault, rather than payload to
// route to an application. It goes through the same SendTelemetry path as
// any other message — it is harness tooling, not a side channel.
package faultinject

import (
	"context"
	"strconv"

	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/transport"
)

// Kind identifies the fault the service should simulate.
type Kind string

const (
	// KindTCPConnectionLoss drops the TCP connection outright.
	KindTCPConnectionLoss Kind = "KillTcp"
	// KindAMQPConnectionDrop closes the connection as the service would
	// during a planned maintenance event.
	KindAMQPConnectionDrop Kind = "ShutDown"
	// KindThrottling makes the service respond as if the device were
	// exceeding its quota.
	KindThrottling Kind = "InvokeThrottling"
	// KindQuotaExceeded makes the service respond as if the hub's message
	// quota were exhausted.
	KindQuotaExceeded Kind = "QuotaExceeded"
)

// Send builds and publishes a fault-injection message over h. delay is how
// long the service should wait before applying the fault; duration is how
// long the fault should last (0 means use the service's default).
func Send(ctx context.Context, h transport.Handler, kind Kind, delay, duration int) error {
	msg := &common.Message{
		Payload: []byte("fault injection"),
		Properties: map[string]string{
			"faultOperationType":           string(kind),
			"faultOperationCloseReason":    "boom",
			"faultOperationDelayInSecs":    strconv.Itoa(delay),
			"faultOperationDurationInSecs": strconv.Itoa(duration),
		},
	}
	return h.SendTelemetry(ctx, msg)
}
