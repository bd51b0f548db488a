package iotdevice

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/edgeforge/iothub/transport"
)

// MessageHandler receives a cloud-to-device or module-input message.
type MessageHandler func(msg *transport.IncomingMessage)

// DirectMethodHandler handles one direct-method invocation, returning the
// response body or an error. If it returns an error with a nil body, the
// error's message is reported to the caller under an "error" key.
type DirectMethodHandler func(p map[string]interface{}) (map[string]interface{}, error)

// TwinUpdateHandler receives a desired-properties patch.
type TwinUpdateHandler func(patch map[string]interface{})

func ptreq(v1, v2 interface{}) bool {
	return reflect.ValueOf(v1).Pointer() == reflect.ValueOf(v2).Pointer()
}

// messageMux fans the transport's single MessageListener callback out to
// every subscriber registered via add, each in its own goroutine so one slow
// subscriber never blocks another.
type messageMux struct {
	mu sync.RWMutex
	s  []MessageHandler
}

func (m *messageMux) add(fn MessageHandler) {
	if fn == nil {
		panic("fn is nil")
	}
	m.mu.Lock()
	m.s = append(m.s, fn)
	m.mu.Unlock()
}

func (m *messageMux) remove(fn MessageHandler) {
	m.mu.Lock()
	for i := len(m.s) - 1; i >= 0; i-- {
		if ptreq(m.s[i], fn) {
			m.s = append(m.s[:i], m.s[i+1:]...)
		}
	}
	m.mu.Unlock()
}

func (m *messageMux) empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.s) == 0
}

func (m *messageMux) dispatch(msg *transport.IncomingMessage) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fn := range m.s {
		go fn(msg)
	}
}

// methodMux dispatches a direct-method invocation to the one handler
// registered under its method name.
type methodMux struct {
	mu sync.RWMutex
	m  map[string]DirectMethodHandler
}

func (r *methodMux) handle(method string, fn DirectMethodHandler) error {
	if fn == nil {
		panic("fn is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = map[string]DirectMethodHandler{}
	}
	if _, ok := r.m[method]; ok {
		return fmt.Errorf("method %q is already registered", method)
	}
	r.m[method] = fn
	return nil
}

func (r *methodMux) remove(method string) {
	r.mu.Lock()
	delete(r.m, method)
	r.mu.Unlock()
}

func (r *methodMux) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m) == 0
}

// dispatch runs the handler registered for method, returning the status and
// body to send back. It never returns an error itself; handler failures are
// folded into a 500 response.
func (r *methodMux) dispatch(method string, payload []byte) (status int, body []byte) {
	r.mu.RLock()
	fn, ok := r.m[method]
	r.mu.RUnlock()
	if !ok {
		return jsonErr(fmt.Errorf("method %q is not registered", method))
	}

	var v map[string]interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return jsonErr(err)
	}
	res, err := fn(v)
	if err != nil {
		if res == nil {
			return jsonErr(err)
		}
		b, merr := json.Marshal(res)
		if merr != nil {
			return jsonErr(merr)
		}
		return 500, b
	}
	if res == nil {
		res = map[string]interface{}{}
	}
	b, err := json.Marshal(res)
	if err != nil {
		return jsonErr(err)
	}
	return 200, b
}

func jsonErr(err error) (int, []byte) {
	return 500, []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
}

// stateMux fans the transport's single DesiredPropertiesListener callback
// out to every subscriber, waiting for all of them before returning so
// callers observe patches strictly in arrival order.
type stateMux struct {
	mu sync.RWMutex
	s  []TwinUpdateHandler
}

func (m *stateMux) add(fn TwinUpdateHandler) {
	if fn == nil {
		panic("fn is nil")
	}
	m.mu.Lock()
	m.s = append(m.s, fn)
	m.mu.Unlock()
}

func (m *stateMux) remove(fn TwinUpdateHandler) {
	m.mu.Lock()
	for i := len(m.s) - 1; i >= 0; i-- {
		if ptreq(m.s[i], fn) {
			m.s = append(m.s[:i], m.s[i+1:]...)
		}
	}
	m.mu.Unlock()
}

func (m *stateMux) empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.s) == 0
}

func (m *stateMux) dispatch(patch map[string]interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := sync.WaitGroup{}
	w.Add(len(m.s))
	for _, fn := range m.s {
		go func(f TwinUpdateHandler) {
			defer w.Done()
			f(patch)
		}(fn)
	}
	w.Wait()
}
