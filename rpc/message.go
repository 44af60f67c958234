// Package rpc serves and consumes the kiln request protocol: length-prefixed
// frames over a local socket, four request kinds correlated by numeric id and
// multiplexed over one connection.
package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pithecene-io/kiln/ipc"
	"github.com/pithecene-io/kiln/transform"
	"github.com/pithecene-io/kiln/types"
)

// RequestType discriminates requests on the wire.
type RequestType string

// Request kinds.
const (
	TypeManifest    RequestType = "manifest"
	TypeInvalidates RequestType = "invalidates"
	TypeResolve     RequestType = "resolve"
	TypeModule      RequestType = "module"
)

// Response envelope types.
const (
	typeResponse = "response"
	typeError    = "error"
)

// CodeModuleError marks module fetch failures in ErrorData. The value is
// what existing consumers match on.
const CodeModuleError = "VITE_ERROR"

// Handler serves each request kind. Adding a kind to Request adds a method
// here, so every implementation must be updated.
type Handler interface {
	Manifest(ctx context.Context) (types.Manifest, error)
	Invalidates(ctx context.Context) ([]string, error)
	Resolve(ctx context.Context, req *ResolveRequest) (*types.ResolvedID, error)
	Module(ctx context.Context, req *ModuleRequest) (*types.TransformedModule, error)
}

// Request is the closed set of request kinds.
type Request interface {
	RequestID() uint32
	Type() RequestType
	// Dispatch validates the request, calls the matching Handler method and
	// returns the response data. A returned error becomes an error response.
	Dispatch(ctx context.Context, h Handler) (any, error)

	payload() any
}

// ManifestRequest asks for the client asset manifest.
type ManifestRequest struct {
	ID uint32
}

// InvalidatesRequest drains the invalidated module ids.
type InvalidatesRequest struct {
	ID uint32
}

// ResolveRequest resolves a specifier relative to an importer.
type ResolveRequest struct {
	ID        uint32
	Specifier string
	Importer  string
}

// ModuleRequest fetches one transformed module.
type ModuleRequest struct {
	ID       uint32
	ModuleID string
}

func (r *ManifestRequest) RequestID() uint32    { return r.ID }
func (r *InvalidatesRequest) RequestID() uint32 { return r.ID }
func (r *ResolveRequest) RequestID() uint32     { return r.ID }
func (r *ModuleRequest) RequestID() uint32      { return r.ID }

func (*ManifestRequest) Type() RequestType    { return TypeManifest }
func (*InvalidatesRequest) Type() RequestType { return TypeInvalidates }
func (*ResolveRequest) Type() RequestType     { return TypeResolve }
func (*ModuleRequest) Type() RequestType      { return TypeModule }

func (*ManifestRequest) payload() any    { return nil }
func (*InvalidatesRequest) payload() any { return nil }
func (r *ResolveRequest) payload() any {
	return &resolvePayload{ID: r.Specifier, Importer: r.Importer}
}
func (r *ModuleRequest) payload() any {
	return &modulePayload{ModuleID: r.ModuleID}
}

func (r *ManifestRequest) Dispatch(ctx context.Context, h Handler) (any, error) {
	return h.Manifest(ctx)
}

func (r *InvalidatesRequest) Dispatch(ctx context.Context, h Handler) (any, error) {
	ids, err := h.Invalidates(ctx)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Dispatch resolves the specifier. Resolution failures answer null rather
// than an error; only a missing specifier is rejected.
func (r *ResolveRequest) Dispatch(ctx context.Context, h Handler) (any, error) {
	if r.Specifier == "" {
		return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "Missing id for resolve"}
	}
	resolved, err := h.Resolve(ctx, r)
	if err != nil || resolved == nil {
		return nil, nil
	}
	return resolved, nil
}

// Dispatch fetches the module. A transform failure is reported with the
// collaborator's diagnostics in the error data.
func (r *ModuleRequest) Dispatch(ctx context.Context, h Handler) (any, error) {
	if r.ModuleID == "/" || r.ModuleID == "" {
		return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: "Invalid moduleId"}
	}
	mod, err := h.Module(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		te := transform.AsError(err, r.ModuleID)
		msg := te.Message
		if msg == "" {
			msg = "Error fetching module"
		}
		return nil, &StatusError{
			StatusCode: http.StatusInternalServerError,
			Message:    msg,
			Stack:      te.Stack,
			Data: &ErrorData{
				Code:    CodeModuleError,
				ID:      r.ModuleID,
				Stack:   te.Stack,
				Message: te.Message,
				Frame:   te.Frame,
				Plugin:  te.Plugin,
				Loc:     te.Loc,
			},
		}
	}
	return mod, nil
}

// ErrorData carries module fetch diagnostics.
type ErrorData struct {
	Code    string         `json:"code"`
	ID      string         `json:"id"`
	Stack   string         `json:"stack"`
	Message string         `json:"message"`
	Frame   string         `json:"frame,omitempty"`
	Plugin  string         `json:"plugin,omitempty"`
	Loc     *transform.Loc `json:"loc,omitempty"`
}

// ErrorPayload is the body of an error response.
type ErrorPayload struct {
	Message       string     `json:"message"`
	Stack         string     `json:"stack,omitempty"`
	StatusCode    int        `json:"statusCode,omitempty"`
	StatusMessage string     `json:"statusMessage,omitempty"`
	Data          *ErrorData `json:"data,omitempty"`
}

// StatusError is a handler failure with an HTTP-style status. Handlers may
// return it to control the error response.
type StatusError struct {
	StatusCode    int
	StatusMessage string
	Message       string
	Stack         string
	Data          *ErrorData
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

func (e *StatusError) payload() *ErrorPayload {
	return &ErrorPayload{
		Message:       e.Message,
		Stack:         e.Stack,
		StatusCode:    e.StatusCode,
		StatusMessage: e.StatusMessage,
		Data:          e.Data,
	}
}

// Wire envelopes.

type header struct {
	ID   uint32 `json:"id"`
	Type string `json:"type"`
}

type wireRequest struct {
	ID      uint32      `json:"id"`
	Type    RequestType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type resolvePayload struct {
	ID       string `json:"id"`
	Importer string `json:"importer,omitempty"`
}

type modulePayload struct {
	ModuleID string `json:"moduleId"`
}

type responseEnvelope struct {
	ID   uint32 `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorEnvelope struct {
	ID    uint32        `json:"id"`
	Type  string        `json:"type"`
	Error *ErrorPayload `json:"error"`
}

// UnknownTypeError is returned by DecodeRequest for a well-formed envelope
// of an unsupported kind. The connection survives it.
type UnknownTypeError struct {
	ID   uint32
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("Unknown request type: %s", e.Type)
}

// DecodeRequest decodes one request payload. The envelope header is probed
// first; the payload is then decoded into the kind's concrete shape.
// Malformed payloads yield an ipc FrameError.
func DecodeRequest(codec ipc.Codec, data []byte) (Request, error) {
	var h header
	if err := codec.Unmarshal(data, &h); err != nil {
		return nil, err
	}

	switch RequestType(h.Type) {
	case TypeManifest:
		return &ManifestRequest{ID: h.ID}, nil
	case TypeInvalidates:
		return &InvalidatesRequest{ID: h.ID}, nil
	case TypeResolve:
		var env struct {
			Payload resolvePayload `json:"payload"`
		}
		if err := codec.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		return &ResolveRequest{ID: h.ID, Specifier: env.Payload.ID, Importer: env.Payload.Importer}, nil
	case TypeModule:
		var env struct {
			Payload modulePayload `json:"payload"`
		}
		if err := codec.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		return &ModuleRequest{ID: h.ID, ModuleID: env.Payload.ModuleID}, nil
	default:
		return nil, &UnknownTypeError{ID: h.ID, Type: h.Type}
	}
}

// EncodeRequest encodes req as a request payload.
func EncodeRequest(codec ipc.Codec, req Request) ([]byte, error) {
	return codec.Marshal(&wireRequest{
		ID:      req.RequestID(),
		Type:    req.Type(),
		Payload: req.payload(),
	})
}
