package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeforge/iothub/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPollsUntilAssigned(t *testing.T) {
	t.Parallel()

	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(registerReply{OperationID: "op1", Status: "assigning"})
		case r.Method == http.MethodGet:
			polls++
			if polls < 2 {
				json.NewEncoder(w).Encode(statusReply{OperationID: "op1", Status: "assigning"})
				return
			}
			var reply statusReply
			reply.OperationID = "op1"
			reply.Status = "assigned"
			reply.RegState.AssignedHub = "myhub.azure-devices.net"
			reply.RegState.DeviceID = "dev1"
			json.NewEncoder(w).Encode(reply)
		}
	}))
	defer srv.Close()

	c := New("0ne00000001", WithSymmetricKey("dGVzdGtleQ=="), WithEndpoint(srv.URL), WithPollPolicy(retry.Fixed{Delay: time.Millisecond, MaxRetries: 5}))

	a, err := c.Register(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, "myhub.azure-devices.net", a.AssignedHub)
	assert.Equal(t, "dev1", a.DeviceID)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestRegisterFailedStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(registerReply{OperationID: "op1", Status: "assigning"})
			return
		}
		var reply statusReply
		reply.Status = "failed"
		json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	c := New("0ne00000001", WithSymmetricKey("dGVzdGtleQ=="), WithEndpoint(srv.URL), WithPollPolicy(retry.Fixed{Delay: time.Millisecond, MaxRetries: 5}))

	_, err := c.Register(context.Background(), "dev1")
	assert.Error(t, err)
}

func TestRegisterContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(registerReply{OperationID: "op1", Status: "assigning"})
	}))
	defer srv.Close()

	c := New("0ne00000001", WithSymmetricKey("dGVzdGtleQ=="), WithEndpoint(srv.URL), WithPollPolicy(retry.Fixed{Delay: time.Hour, MaxRetries: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Register(ctx, "dev1")
	assert.ErrorIs(t, err, context.Canceled)
}
