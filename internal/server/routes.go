// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/hostbridge"
	"github.com/opentamper/tamperd/internal/importer"
	"github.com/opentamper/tamperd/internal/relay"
	"github.com/opentamper/tamperd/internal/script"
	"github.com/opentamper/tamperd/internal/store"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

// Services are the collaborators behind the control API routes.
type Services struct {
	Store      store.ScriptStore
	Importer   *importer.Importer
	Dispatcher *dispatch.Dispatcher
	Relay      *relay.Relay
	Bridge     *hostbridge.Bridge
}

// RegisterServices sets the service dependencies and registers REST routes.
func (s *Server) RegisterServices(svc *Services) {
	s.services = svc
	s.registerRoutes()
	if svc.Bridge != nil {
		s.registerBridgeRoutes()
	}
}

func (s *Server) registerRoutes() {
	// Script endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-scripts",
		Method:      http.MethodGet,
		Path:        "/api/v1/scripts",
		Summary:     "List managed scripts",
		Tags:        []string{"scripts"},
	}, s.handleListScripts)

	huma.Register(s.api, huma.Operation{
		OperationID: "import-script",
		Method:      http.MethodPost,
		Path:        "/api/v1/scripts",
		Summary:     "Import a script from a URL, file path, or raw code",
		Tags:        []string{"scripts"},
	}, s.handleImportScript)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-script",
		Method:      http.MethodGet,
		Path:        "/api/v1/scripts/{id}",
		Summary:     "Get one script",
		Tags:        []string{"scripts"},
	}, s.handleGetScript)

	huma.Register(s.api, huma.Operation{
		OperationID: "delete-script",
		Method:      http.MethodDelete,
		Path:        "/api/v1/scripts/{id}",
		Summary:     "Remove a script",
		Tags:        []string{"scripts"},
	}, s.handleDeleteScript)

	huma.Register(s.api, huma.Operation{
		OperationID: "set-script-enabled",
		Method:      http.MethodPost,
		Path:        "/api/v1/scripts/{id}/enabled",
		Summary:     "Enable or disable a script",
		Tags:        []string{"scripts"},
	}, s.handleSetEnabled)

	// Dispatch endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "run-scripts-for-tab",
		Method:      http.MethodPost,
		Path:        "/api/v1/tabs/{tabID}/run",
		Summary:     "Run matching scripts in a tab",
		Tags:        []string{"dispatch"},
	}, s.handleRunScriptsForTab)

	// Relay endpoint
	huma.Register(s.api, huma.Operation{
		OperationID: "relay-request",
		Method:      http.MethodPost,
		Path:        "/api/v1/relay",
		Summary:     "Relay a GM_xmlhttpRequest call",
		Tags:        []string{"relay"},
	}, s.handleRelay)
}

// --- Request/Response types for huma ---

type listScriptsOutput struct {
	Body struct {
		Scripts []script.Record `json:"scripts"`
	}
}

type importScriptInput struct {
	Body struct {
		URL        string `json:"url,omitempty" doc:"Remote or file:// source URL"`
		Path       string `json:"path,omitempty" doc:"Local file path"`
		Code       string `json:"code,omitempty" doc:"Raw userscript source"`
		ImportMode string `json:"importMode,omitempty" enum:"script,require" doc:"Import as standalone script or dependency-only record"`
	}
}
type importScriptOutput struct {
	Body script.Record
}

type scriptIDInput struct {
	ID string `path:"id"`
}
type getScriptOutput struct {
	Body script.Record
}

type deleteScriptOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type setEnabledInput struct {
	ID   string `path:"id"`
	Body struct {
		Enabled bool `json:"enabled"`
	}
}
type setEnabledOutput struct {
	Body script.Record
}

type runScriptsInput struct {
	TabID int `path:"tabID"`
	Body  struct {
		URL      string `json:"url,omitempty" doc:"Override the tab URL"`
		ScriptID string `json:"scriptId,omitempty" doc:"Run only this script"`
		Force    bool   `json:"force,omitempty" doc:"Bypass the URL match check"`
	}
}
type runScriptsOutput struct {
	Body struct {
		Ran []string `json:"ran"`
	}
}

type relayInput struct {
	Body relay.Message
}
type relayOutput struct {
	Body relay.Message
}

// --- Handlers ---

// humaError translates a coded error into a huma status error.
func humaError(err error) error {
	return huma.NewError(tamperr.HTTPStatus(err), err.Error())
}

func (s *Server) handleListScripts(ctx context.Context, _ *struct{}) (*listScriptsOutput, error) {
	recs, err := s.services.Store.List(ctx)
	if err != nil {
		return nil, humaError(err)
	}
	out := &listScriptsOutput{}
	out.Body.Scripts = recs
	return out, nil
}

func (s *Server) handleImportScript(ctx context.Context, input *importScriptInput) (*importScriptOutput, error) {
	mode := script.ImportMode(input.Body.ImportMode)
	if mode == "" {
		mode = script.ImportModeScript
	}

	var (
		rec script.Record
		err error
	)
	switch {
	case input.Body.URL != "":
		rec, err = s.services.Importer.FromURL(ctx, input.Body.URL, mode)
	case input.Body.Path != "":
		rec, err = s.services.Importer.FromFile(ctx, input.Body.Path, mode)
	case input.Body.Code != "":
		rec, err = s.services.Importer.FromCode(ctx, input.Body.Code, "", mode)
	default:
		return nil, huma.Error400BadRequest("one of url, path, or code is required")
	}
	if err != nil {
		return nil, humaError(err)
	}
	return &importScriptOutput{Body: rec}, nil
}

func (s *Server) handleGetScript(ctx context.Context, input *scriptIDInput) (*getScriptOutput, error) {
	rec, err := s.services.Store.Get(ctx, input.ID)
	if err != nil {
		return nil, humaError(err)
	}
	return &getScriptOutput{Body: rec}, nil
}

func (s *Server) handleDeleteScript(ctx context.Context, input *scriptIDInput) (*deleteScriptOutput, error) {
	if _, err := s.services.Store.Get(ctx, input.ID); err != nil {
		return nil, humaError(err)
	}
	if err := s.services.Store.Delete(ctx, input.ID); err != nil {
		return nil, humaError(err)
	}
	out := &deleteScriptOutput{}
	out.Body.Status = "deleted"
	return out, nil
}

func (s *Server) handleSetEnabled(ctx context.Context, input *setEnabledInput) (*setEnabledOutput, error) {
	rec, err := s.services.Store.Get(ctx, input.ID)
	if err != nil {
		return nil, humaError(err)
	}
	rec.Enabled = input.Body.Enabled
	if err := s.services.Store.Put(ctx, rec); err != nil {
		return nil, humaError(err)
	}
	return &setEnabledOutput{Body: rec}, nil
}

func (s *Server) handleRunScriptsForTab(ctx context.Context, input *runScriptsInput) (*runScriptsOutput, error) {
	tabID := input.TabID
	ran, err := s.services.Dispatcher.RunScriptsForTab(ctx, dispatch.RunRequest{
		Type:     dispatch.ControlTypeRun,
		TabID:    &tabID,
		URL:      input.Body.URL,
		ScriptID: input.Body.ScriptID,
		Force:    input.Body.Force,
	})
	if err != nil {
		return nil, humaError(err)
	}
	out := &runScriptsOutput{}
	out.Body.Ran = ran
	return out, nil
}

func (s *Server) handleRelay(ctx context.Context, input *relayInput) (*relayOutput, error) {
	// Relay failures travel inside the envelope so the page-side shim can
	// route them to the right pending request.
	return &relayOutput{Body: s.services.Relay.Handle(ctx, input.Body)}, nil
}
