package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	iothub "github.com/edgeforge/iothub"
	"github.com/edgeforge/iothub/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDeviceRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/devices/dev1", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Device{DeviceID: "dev1", Status: "enabled"})
	}))
	defer srv.Close()

	c := New(&credentials.Credentials{
		HostName:        srv.Listener.Addr().String(),
		SharedAccessKey: "dGVzdGtleQ==",
	}, WithHTTPClient(srv.Client()), withBaseURL(srv.URL))

	d, err := c.GetDevice(context.Background(), "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", d.DeviceID)
	assert.Equal(t, "enabled", d.Status)
}

func TestDeleteDeviceSendsIfMatch(t *testing.T) {
	t.Parallel()

	var gotIfMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(&credentials.Credentials{
		HostName:        srv.Listener.Addr().String(),
		SharedAccessKey: "dGVzdGtleQ==",
	}, WithHTTPClient(srv.Client()), withBaseURL(srv.URL))

	err := c.DeleteDevice(context.Background(), "dev1", "abc")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, gotIfMatch)
}

func TestGetTwinErrorMapsToKind(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"Message":"device not found"}`))
	}))
	defer srv.Close()

	c := New(&credentials.Credentials{
		HostName:        srv.Listener.Addr().String(),
		SharedAccessKey: "dGVzdGtleQ==",
	}, WithHTTPClient(srv.Client()), withBaseURL(srv.URL))

	_, err := c.GetTwin(context.Background(), "dev1")
	require.Error(t, err)
	assert.True(t, iothub.IsKind(err, iothub.DeviceNotFound))
}
