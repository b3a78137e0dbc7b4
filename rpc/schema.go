package rpc

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
)

var schemaTypes = map[Method]any{
	MethodAuthRequest:      AuthRequestParams{},
	MethodAuthChallenge:    AuthChallengeParams{},
	MethodAuthVerify:       AuthVerifyParams{},
	MethodAuthSuccess:      AuthResultParams{},
	MethodAuthFailure:      AuthResultParams{},
	MethodCreateAppSession: CreateAppSessionParams{},
	MethodSubmitAppState:   SubmitAppStateParams{},
	MethodCloseAppSession:  CloseAppSessionParams{},
	MethodError:            ErrorParams{},
}

// Schema reflects the JSON Schema for the params of method m.
func Schema(m Method) (*jsonschema.Schema, error) {
	v, ok := schemaTypes[m]
	if !ok {
		return nil, fmt.Errorf("no schema for method %q", m)
	}
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Mapper:         mapWireType,
	}
	s := r.Reflect(v)
	s.Title = string(m)
	return s, nil
}

// Schemas returns the params schema of every method, keyed by method name.
func Schemas() (map[Method]*jsonschema.Schema, error) {
	out := make(map[Method]*jsonschema.Schema, len(schemaTypes))
	for m := range schemaTypes {
		s, err := Schema(m)
		if err != nil {
			return nil, err
		}
		out[m] = s
	}
	return out, nil
}

// Methods lists the methods that have a schema, sorted by name.
func Methods() []Method {
	out := make([]Method, 0, len(schemaTypes))
	for m := range schemaTypes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalSchemas renders all schemas as indented JSON.
func MarshalSchemas() ([]byte, error) {
	all, err := Schemas()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(all, "", "  ")
}
