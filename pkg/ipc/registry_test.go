package ipc

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicmem/pkg/memerr"
)

func TestDispatchBuiltinHealthPing(t *testing.T) {
	r := NewRegistry()
	result, errObj := r.Dispatch("health.ping", nil)
	require.Nil(t, errObj)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["pong"])
}

func TestDispatchBuiltinHealthStatusListsServices(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{Name: "vector", Methods: map[string]Handler{"stats": func(json.RawMessage) (any, error) { return nil, nil }}})
	result, errObj := r.Dispatch("health.status", nil)
	require.Nil(t, errObj)
	m := result.(map[string]any)
	assert.Contains(t, m["services"], "health")
	assert.Contains(t, m["services"], "vector")
}

func TestDispatchUnknownServiceIsMethodNotFound(t *testing.T) {
	r := NewRegistry()
	_, errObj := r.Dispatch("ghost.method", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeMethodNotFound, errObj.Code)
}

func TestDispatchUnknownMethodIsMethodNotFound(t *testing.T) {
	r := NewRegistry()
	_, errObj := r.Dispatch("health.nonexistent", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeMethodNotFound, errObj.Code)
}

func TestDispatchMalformedMethodNameIsMethodNotFound(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"noDotAtAll", "too.many.dots", ".leadingdot", "trailingdot."} {
		_, errObj := r.Dispatch(name, nil)
		require.NotNil(t, errObj, "expected error for %q", name)
		assert.Equal(t, CodeMethodNotFound, errObj.Code, "for %q", name)
	}
}

func TestDispatchTranslatesValidationErrorToInvalidParams(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{Name: "svc", Methods: map[string]Handler{
		"fail": func(json.RawMessage) (any, error) {
			return nil, memerr.New(memerr.KindValidation, "svc.fail", fmt.Errorf("bad input"))
		},
	}})
	_, errObj := r.Dispatch("svc.fail", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeInvalidParams, errObj.Code)
}

func TestDispatchTranslatesNotFoundErrorToMethodNotFound(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{Name: "svc", Methods: map[string]Handler{
		"fail": func(json.RawMessage) (any, error) {
			return nil, memerr.New(memerr.KindNotFound, "svc.fail", fmt.Errorf("missing"))
		},
	}})
	_, errObj := r.Dispatch("svc.fail", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeMethodNotFound, errObj.Code)
}

func TestDispatchTranslatesStateErrorToImplementationBand(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{Name: "svc", Methods: map[string]Handler{
		"fail": func(json.RawMessage) (any, error) {
			return nil, memerr.New(memerr.KindState, "svc.fail", fmt.Errorf("not running")).With("retry", 2)
		},
	}})
	_, errObj := r.Dispatch("svc.fail", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeImplementationBandStart, errObj.Code)
	data, ok := errObj.Data.(errorData)
	require.True(t, ok)
	assert.Equal(t, "svc", data.Service)
	assert.Equal(t, "fail", data.Method)
	assert.Equal(t, 2, data.Context["retry"])
}

func TestDispatchTranslatesPlainErrorToImplementationBand(t *testing.T) {
	r := NewRegistry()
	r.Register(&Service{Name: "svc", Methods: map[string]Handler{
		"fail": func(json.RawMessage) (any, error) { return nil, fmt.Errorf("boom") },
	}})
	_, errObj := r.Dispatch("svc.fail", nil)
	require.NotNil(t, errObj)
	assert.Equal(t, CodeImplementationBandStart, errObj.Code)
}
