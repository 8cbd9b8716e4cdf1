// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

// Package admin exposes a read-only introspection surface over the
// local subscription registry plus a force-unsubscribe operation. It is
// an operational surface, not the application's command/query path, and
// is the home for the invopop/jsonschema + santhosh-tekuri/jsonschema
// wiring: the request schema is generated from the Go struct it
// validates against, so the two can never drift apart.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	invopopjsonschema "github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sequentdb/sequentdb/internal/errutil"
	"github.com/sequentdb/sequentdb/internal/subscription"
)

// UnsubscribeRequest is the JSON body of POST /subscriptions/unsubscribe.
// Its jsonschema tags are reflected into the validator schema by
// invopop/jsonschema at server construction time.
type UnsubscribeRequest struct {
	StreamUUID string `json:"stream_uuid" jsonschema:"required,minLength=1,description=Stream to unsubscribe from, or $all for an all-stream subscription"`
	Name       string `json:"name" jsonschema:"required,minLength=1,description=Subscription name"`
}

// Unsubscriber is satisfied by *internal/service.Service.
type Unsubscriber interface {
	UnsubscribeFromStream(ctx context.Context, streamUUID, name string) error
}

// Registry is the subset of *subscription.Registry the admin server
// reads for introspection.
type Registry interface {
	Keys() []subscription.Key
	Whereis(key subscription.Key) (*subscription.Machine, bool)
}

// SubscriptionView is one entry of GET /subscriptions: a live
// subscription's identity plus its delivery progress, including a lag
// gauge (last_received - last_ack, approximated here by last_seen -
// last_ack since the buffer's high-water mark is what Snapshot exposes).
type SubscriptionView struct {
	StreamUUID          string `json:"stream_uuid"`
	Name                string `json:"name"`
	Kind                string `json:"kind"`
	State               string `json:"state"`
	LastSeenEventNumber int64  `json:"last_seen_event_number"`
	LastAckEventNumber  int64  `json:"last_ack_event_number"`
	Lag                 int64  `json:"lag"`
	BufferedEvents      int    `json:"buffered_events"`
}

// Server serves the admin HTTP endpoints.
type Server struct {
	registry  Registry
	svc       Unsubscriber
	validator *jsonschema.Schema
	log       *slog.Logger
}

// NewServer compiles the request validation schema and wires the admin
// server to a live registry and the service used to carry out
// force-unsubscribe.
func NewServer(registry Registry, svc Unsubscriber, log *slog.Logger) (*Server, error) {
	validator, err := compileUnsubscribeSchema()
	if err != nil {
		return nil, oops.Code("ADMIN_SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	return &Server{registry: registry, svc: svc, validator: validator, log: log}, nil
}

// Handler returns the admin HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscriptions", s.handleList)
	mux.HandleFunc("POST /subscriptions/unsubscribe", s.handleUnsubscribe)
	return mux
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	keys := s.registry.Keys()
	views := make([]SubscriptionView, 0, len(keys))
	for _, key := range keys {
		m, ok := s.registry.Whereis(key)
		if !ok {
			continue
		}
		snap := m.Snapshot()
		views = append(views, SubscriptionView{
			StreamUUID:          key.StreamUUID,
			Name:                key.Name,
			Kind:                key.Kind.String(),
			State:               snap.State.String(),
			LastSeenEventNumber: snap.LastSeenEventNumber,
			LastAckEventNumber:  snap.LastAckEventNumber,
			Lag:                 snap.Lag(),
			BufferedEvents:      snap.BufferedEvents,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	body, err := readAndValidate(s.validator, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req UnsubscribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if err := s.svc.UnsubscribeFromStream(r.Context(), req.StreamUUID, req.Name); err != nil {
		errutil.LogErrorContext(r.Context(), s.log, "admin force-unsubscribe failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unsubscribe failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// readAndValidate decodes r's body once (preserving the bytes for the
// caller's own json.Unmarshal) and validates it against schema.
func readAndValidate(schema *jsonschema.Schema, r *http.Request) ([]byte, error) {
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(r.Body); err != nil {
		return nil, oops.Code("ADMIN_BODY_READ_FAILED").Wrap(err)
	}
	raw := body.Bytes()

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.Code("ADMIN_BODY_MALFORMED").Wrap(err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, oops.Code("ADMIN_VALIDATION_FAILED").Wrap(err)
	}
	return raw, nil
}

// compileUnsubscribeSchema reflects UnsubscribeRequest into a JSON
// Schema document via invopop/jsonschema, then compiles it with
// santhosh-tekuri/jsonschema/v6 for per-request validation.
func compileUnsubscribeSchema() (*jsonschema.Schema, error) {
	reflector := &invopopjsonschema.Reflector{ExpandedStruct: true}
	doc := reflector.Reflect(&UnsubscribeRequest{})
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, oops.Code("ADMIN_SCHEMA_MARSHAL_FAILED").Wrap(err)
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.Code("ADMIN_SCHEMA_UNMARSHAL_FAILED").Wrap(err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("unsubscribe-request.json", parsed); err != nil {
		return nil, oops.Code("ADMIN_SCHEMA_ADD_RESOURCE_FAILED").Wrap(err)
	}
	return compiler.Compile("unsubscribe-request.json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
