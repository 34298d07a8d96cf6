// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeScriptNotFound        Code = "script.get.not_found"
	CodeScriptDisabled        Code = "script.run.disabled"
	CodeScriptNoMatch         Code = "script.run.no_match"
	CodeScriptImportMalformed Code = "script.import.malformed"
	CodeScriptInvalidInput    Code = "script.invalid_input"

	CodePatternCompileInvalid Code = "pattern.compile.invalid"

	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreOpenFailure        Code = "store.open.failure"
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreRecordNotFound     Code = "store.record.not_found"

	CodeFetchFailure Code = "fetch.http.failure"
	CodeFetchTimeout Code = "fetch.http.timeout"

	CodeRegistrationFailure     Code = "registration.batch.failure"
	CodeRegistrationUnavailable Code = "registration.backend.unavailable"

	CodeDispatchTabInvalid     Code = "dispatch.tab.invalid"
	CodeDispatchURLUnresolved  Code = "dispatch.url.unresolved"
	CodeDispatchInjectFailure  Code = "dispatch.inject.failure"
	CodeDispatchTriggerFailure Code = "dispatch.trigger.failure"

	CodeGrantViolation       Code = "relay.grant.denied"
	CodeRelayRequestInvalid  Code = "relay.request.invalid"
	CodeRelayRequestTimeout  Code = "relay.request.timeout"
	CodeRelayUpstreamFailure Code = "relay.upstream.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIInputInvalid Code = "cli.input.invalid"
	CodeCLISetupFailure Code = "cli.setup.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldScriptID(value string) Attr {
	return Field("script_id", value)
}

func FieldURL(value string) Attr {
	return Field("url", value)
}

func FieldPattern(value string) Attr {
	return Field("pattern", value)
}

func FieldTabID(value int) Attr {
	return Field("tab_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsDisabled(err error) bool {
	return reason(CodeOf(err)) == "disabled"
}

func IsNoMatch(err error) bool {
	return reason(CodeOf(err)) == "no_match"
}

func IsMalformedSource(err error) bool {
	return reason(CodeOf(err)) == "malformed"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "unresolved"
}

func IsGrantViolation(err error) bool {
	return reason(CodeOf(err)) == "denied"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsFetchFailure(err error) bool {
	code := CodeOf(err)
	return strings.HasPrefix(string(code), "fetch.") && reason(code) == "failure"
}

func IsRegistrationFailure(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "registration.")
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err) || IsNoMatch(err) || IsMalformedSource(err):
		return http.StatusBadRequest
	case IsGrantViolation(err):
		return http.StatusForbidden
	case IsDisabled(err):
		return http.StatusConflict
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsFetchFailure(err) || HasCode(err, CodeRelayUpstreamFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
