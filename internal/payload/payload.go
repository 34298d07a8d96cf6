// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

// Package payload synthesizes the self-contained executable unit for one
// script: capability shims, a per-script identity guard, a run-at gate, a
// one-time dependency block, and the guarded script body. The same unit
// serves both declarative registration and manual injection, so duplicate
// stage firings and re-registrations are harmless by construction.
package payload

import (
	"encoding/json"
	"strings"

	"github.com/opentamper/tamperd/internal/script"
	tamperr "github.com/opentamper/tamperd/pkg/errors"
)

const (
	eventPrefix     = "tamperd:run:"
	runnerPrefix    = "__tamperdRunner_"
	requireFlagText = "__tamperdRequiresExecuted_"

	// RelayChannel is the postMessage channel the privileged-request shim
	// and the bridge agree on.
	RelayChannel = "gmXhr"
)

// TriggerEventName returns the page event that re-runs an already-installed
// payload for the given script id.
func TriggerEventName(scriptID string) string {
	return eventPrefix + scriptID
}

// Build produces the executable unit for rec with the given freshly
// resolved dependency fragments. Records with importMode=require are never
// a top-level injection target and are refused.
func Build(rec script.Record, reqs []script.Require) (string, error) {
	if !rec.Injectable() {
		return "", tamperr.New(tamperr.CodeScriptInvalidInput,
			"require-mode records are not injectable", tamperr.FieldScriptID(rec.ID))
	}

	eventName := jsString(TriggerEventName(rec.ID))
	runnerKey := jsString(runnerPrefix + rec.ID)
	requireFlag := jsString(requireFlagText + rec.ID)
	scriptID := jsString(rec.ID)
	stage := jsString(string(rec.RunAt))

	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString("  const EVENT_NAME = " + eventName + ";\n")
	b.WriteString("  const RUNNER_KEY = " + runnerKey + ";\n")
	b.WriteString("  const REQUIRE_FLAG = " + requireFlag + ";\n")
	b.WriteString("  const SCRIPT_ID = " + scriptID + ";\n")
	b.WriteString("  const RUN_STAGE = " + stage + ";\n")

	// Identity guard: at most one active trigger listener per script id.
	b.WriteString(`  const previous = globalThis[RUNNER_KEY];
  if (typeof previous === "function" && typeof globalThis.removeEventListener === "function") {
    globalThis.removeEventListener(EVENT_NAME, previous);
  }
`)

	b.WriteString(addStyleShim)
	if rec.HasGrant(script.GrantXHR) {
		b.WriteString(xhrShim)
	}

	b.WriteString("  const execute = () => {\n")
	b.WriteString("    try {\n")
	b.WriteString("      ensureAddStyle();\n")
	if rec.HasGrant(script.GrantXHR) {
		b.WriteString("      ensureXmlhttpRequest();\n")
	}
	b.WriteString(requireBlock(reqs))
	b.WriteString(indentLines(rec.Code, "      "))
	b.WriteString("\n    } catch (error) {\n")
	b.WriteString("      console.error(\"[tamperd] script execution failed\", error);\n")
	b.WriteString("    }\n")
	b.WriteString("  };\n")

	// Run-at gate: manual injection has no native lifecycle guarantee, so
	// the payload inspects document readiness itself and defers through the
	// matching lifecycle event.
	b.WriteString(runAtGate)

	b.WriteString(`  if (typeof globalThis.addEventListener === "function") {
    globalThis.addEventListener(EVENT_NAME, run, { passive: true });
    Object.defineProperty(globalThis, RUNNER_KEY, {
      value: run,
      configurable: true,
      writable: true
    });
  }

  run();
})();
`)
	b.WriteString("//# sourceURL=" + rec.SourceLabel())

	return b.String(), nil
}

// requireBlock renders the one-time dependency block. Repeated triggers in
// the same execution context must never re-run requires.
func requireBlock(reqs []script.Require) string {
	var fragments []string
	for _, req := range reqs {
		if req.Code == "" {
			continue
		}
		fragments = append(fragments, "// @require "+req.URL+"\n"+req.Code)
	}
	if len(fragments) == 0 {
		return ""
	}

	joined := strings.Join(fragments, "\n")
	return "      if (!globalThis[REQUIRE_FLAG]) {\n" +
		indentLines(joined, "        ") + "\n" +
		"        globalThis[REQUIRE_FLAG] = true;\n" +
		"      }\n"
}

// indentLines prefixes every line of source with the given indent.
func indentLines(source, indent string) string {
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
