// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/opentamper/tamperd/internal/dispatch"
	"github.com/opentamper/tamperd/internal/hostbridge"
	"github.com/opentamper/tamperd/internal/reconcile"
)

// registerBridgeRoutes exposes the host environment boundary: the host
// posts navigation lifecycle events and polls for desired registrations
// and pending injection commands.
func (s *Server) registerBridgeRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "post-navigation-event",
		Method:      http.MethodPost,
		Path:        "/api/v1/events",
		Summary:     "Report a navigation lifecycle event",
		Tags:        []string{"bridge"},
	}, s.handlePostEvent)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-registrations",
		Method:      http.MethodGet,
		Path:        "/api/v1/registrations",
		Summary:     "Desired declarative registration set",
		Tags:        []string{"bridge"},
	}, s.handleListRegistrations)

	huma.Register(s.api, huma.Operation{
		OperationID: "drain-commands",
		Method:      http.MethodGet,
		Path:        "/api/v1/commands",
		Summary:     "Drain pending injection commands",
		Tags:        []string{"bridge"},
	}, s.handleDrainCommands)
}

type postEventInput struct {
	Body struct {
		TabID int    `json:"tabId"`
		URL   string `json:"url,omitempty"`
		Stage string `json:"stage" enum:"before_navigate,document_start,document_end,document_idle,history"`
	}
}
type postEventOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type listRegistrationsOutput struct {
	Body struct {
		Registrations []reconcile.Registration `json:"registrations"`
	}
}

type drainCommandsOutput struct {
	Body struct {
		Commands []hostbridge.Command `json:"commands"`
	}
}

func (s *Server) handlePostEvent(_ context.Context, input *postEventInput) (*postEventOutput, error) {
	s.services.Bridge.PostNavigation(dispatch.Event{
		Tab:   dispatch.TabID(input.Body.TabID),
		URL:   input.Body.URL,
		Stage: dispatch.Stage(input.Body.Stage),
	})
	out := &postEventOutput{}
	out.Body.Status = "accepted"
	return out, nil
}

func (s *Server) handleListRegistrations(context.Context, *struct{}) (*listRegistrationsOutput, error) {
	out := &listRegistrationsOutput{}
	out.Body.Registrations = s.services.Bridge.Registrations()
	return out, nil
}

func (s *Server) handleDrainCommands(context.Context, *struct{}) (*drainCommandsOutput, error) {
	out := &drainCommandsOutput{}
	out.Body.Commands = s.services.Bridge.DrainCommands()
	return out, nil
}
