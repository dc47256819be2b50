package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

// Handler executes one "service.method" call. params is the raw JSON params
// value from the request (nil if omitted); the returned value is marshaled
// as the response's result.
type Handler func(params json.RawMessage) (any, error)

// Service is a named group of methods, dispatched as "service.method".
type Service struct {
	Name    string
	Methods map[string]Handler
}

// Registry holds every registered Service and dispatches calls to them.
// It is safe for concurrent reads; Register is expected to happen once at
// startup before the server begins accepting connections.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry returns an empty Registry with the built-in health service
// already registered (SPEC_FULL §4.7).
func NewRegistry() *Registry {
	r := &Registry{services: make(map[string]*Service)}
	r.registerHealth()
	return r
}

// Register adds svc to the registry, replacing any existing service of the
// same name.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name] = svc
}

// ServiceNames returns every registered service name, sorted.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitMethod splits "service.method" into its two parts. It rejects names
// with zero or more than one dot so that e.g. "a.b.c" is not silently
// truncated to "a"/"b.c".
func splitMethod(full string) (service, method string, ok bool) {
	dot := -1
	for i := 0; i < len(full); i++ {
		if full[i] == '.' {
			if dot != -1 {
				return "", "", false
			}
			dot = i
		}
	}
	if dot <= 0 || dot >= len(full)-1 {
		return "", "", false
	}
	return full[:dot], full[dot+1:], true
}

// Dispatch resolves full ("service.method") against the registry and
// invokes its handler, translating the error taxonomy into a JSON-RPC
// ErrorObject per SPEC_FULL §7. Every call yields either a result or a
// non-nil *ErrorObject for the caller to wrap.
func (r *Registry) Dispatch(full string, params json.RawMessage) (any, *ErrorObject) {
	service, method, ok := splitMethod(full)
	if !ok {
		return nil, &ErrorObject{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %q", full)}
	}

	r.mu.RLock()
	svc, svcOK := r.services[service]
	r.mu.RUnlock()
	if !svcOK {
		return nil, &ErrorObject{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("unknown service %q", service),
			Data:    errorData{Service: service, Method: method},
		}
	}

	handler, methodOK := svc.Methods[method]
	if !methodOK {
		return nil, &ErrorObject{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("unknown method %q on service %q", method, service),
			Data:    errorData{Service: service, Method: method},
		}
	}

	result, err := handler(params)
	if err != nil {
		return nil, translateError(service, method, err)
	}
	return result, nil
}

// translateError maps a handler's error into a JSON-RPC ErrorObject per the
// taxonomy in SPEC_FULL §7: validation/not-found map to their JSON-RPC
// counterparts; every other kind (including no kind at all) falls into the
// implementation-defined -32000 band.
func translateError(service, method string, err error) *ErrorObject {
	kind, typed := memerr.KindOf(err)
	code := CodeImplementationBandStart
	if typed {
		switch kind {
		case memerr.KindValidation:
			code = CodeInvalidParams
		case memerr.KindNotFound:
			code = CodeMethodNotFound
		}
	}
	data := errorData{Service: service, Method: method}
	var me *memerr.MemError
	if errors.As(err, &me) && len(me.Context) > 0 {
		data.Context = me.Context
	}
	return &ErrorObject{Code: code, Message: err.Error(), Data: data}
}

func (r *Registry) registerHealth() {
	started := time.Now()
	r.services["health"] = &Service{
		Name: "health",
		Methods: map[string]Handler{
			"status": func(json.RawMessage) (any, error) {
				r.mu.RLock()
				names := make([]string, 0, len(r.services))
				for n := range r.services {
					names = append(names, n)
				}
				r.mu.RUnlock()
				sort.Strings(names)
				return map[string]any{
					"uptimeSeconds": time.Since(started).Seconds(),
					"uptimeHuman":   humanize.Time(started),
					"services":      names,
				}, nil
			},
			"ping": func(json.RawMessage) (any, error) {
				return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
			},
		},
	}
}
