package iotdevice

import (
	"testing"

	"github.com/edgeforge/iothub/transport"
)

func TestMessageMux(t *testing.T) {
	t.Parallel()

	mux := &messageMux{}
	done := make(chan *transport.IncomingMessage, 1)
	fn := MessageHandler(func(msg *transport.IncomingMessage) { done <- msg })
	mux.add(fn)

	mux.dispatch(&transport.IncomingMessage{Ack: func(error) {}})
	if <-done == nil {
		t.Fatal("expected dispatched message")
	}

	mux.remove(fn)
	if !mux.empty() {
		t.Fatal("mux should be empty after remove")
	}
}

func TestMethodMuxDispatch(t *testing.T) {
	t.Parallel()

	m := &methodMux{}
	if err := m.handle("add", func(v map[string]interface{}) (map[string]interface{}, error) {
		v["b"] = 2.0
		return v, nil
	}); err != nil {
		t.Fatal(err)
	}
	defer m.remove("add")

	if err := m.handle("add", func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}); err == nil {
		t.Fatal("expected error registering a duplicate method")
	}

	status, body := m.dispatch("add", []byte(`{"a":1}`))
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(body) == "" {
		t.Fatal("expected non-empty response body")
	}
}

func TestMethodMuxDispatchUnregistered(t *testing.T) {
	t.Parallel()

	m := &methodMux{}
	status, body := m.dispatch("missing", nil)
	if status != 500 {
		t.Fatalf("status = %d, want 500", status)
	}
	if len(body) == 0 {
		t.Fatal("expected an error body")
	}
}

func TestStateMuxDispatch(t *testing.T) {
	t.Parallel()

	mux := &stateMux{}
	done := make(chan map[string]interface{}, 1)
	fn := TwinUpdateHandler(func(patch map[string]interface{}) { done <- patch })
	mux.add(fn)
	defer mux.remove(fn)

	mux.dispatch(map[string]interface{}{"temp": 21.5})
	patch := <-done
	if patch["temp"] != 21.5 {
		t.Fatalf("patch[temp] = %v, want 21.5", patch["temp"])
	}
}
