// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tamperd Contributors

package payload

// addStyleShim installs GM_addStyle once per execution context. Styles are
// attached to head when available, or deferred until the document has one.
const addStyleShim = `  const ensureAddStyle = () => {
    if (typeof globalThis.GM_addStyle === "function") {
      return;
    }
    const helper = (css) => {
      if (!css) {
        return null;
      }
      const style = document.createElement("style");
      style.type = "text/css";
      style.dataset.tamperdStyle = SCRIPT_ID;
      style.textContent = String(css);
      const attach = () => {
        const parent = document.head || document.documentElement || document.body;
        if (parent && typeof parent.appendChild === "function") {
          parent.appendChild(style);
          return true;
        }
        return false;
      };
      if (!attach() && typeof document.addEventListener === "function") {
        document.addEventListener("DOMContentLoaded", attach, { once: true });
      }
      return style;
    };

    Object.defineProperty(globalThis, "GM_addStyle", {
      value: helper,
      configurable: true,
      writable: true
    });
  };
`

// xhrShim installs GM_xmlhttpRequest, forwarding each request over the
// relay channel with a locally unique correlation id and resolving the
// onload/onerror/ontimeout callbacks from the correlated reply. Binary
// responses travel base64-encoded and are reassembled here.
const xhrShim = `  const ensureXmlhttpRequest = () => {
    if (typeof globalThis.GM_xmlhttpRequest === "function") {
      return;
    }
    const CHANNEL = "gmXhr";
    const pending = new Map();

    const decodeBinary = (encoded) => {
      const raw = atob(encoded || "");
      const bytes = new Uint8Array(raw.length);
      for (let i = 0; i < raw.length; i += 1) {
        bytes[i] = raw.charCodeAt(i);
      }
      return bytes.buffer;
    };

    window.addEventListener("message", (event) => {
      if (event.source !== window || !event.data || event.data.channel !== CHANNEL) {
        return;
      }
      const entry = pending.get(event.data.id);
      if (!entry) {
        return;
      }
      pending.delete(event.data.id);
      if (entry.timer) {
        clearTimeout(entry.timer);
      }
      if (event.data.type === "response") {
        const response = event.data.response || {};
        if (response.responseType === "arraybuffer") {
          response.response = decodeBinary(response.response);
        } else if (response.responseType === "blob") {
          response.response = new Blob([decodeBinary(response.response)]);
        }
        if (typeof entry.details.onload === "function") {
          entry.details.onload(response);
        }
      } else if (event.data.type === "error") {
        if (typeof entry.details.onerror === "function") {
          entry.details.onerror(event.data.error);
        }
      }
    });

    const helper = (details) => {
      const id = SCRIPT_ID + ":" + Date.now().toString(36) + ":" + Math.random().toString(36).slice(2);
      const entry = { details: details || {}, timer: null };
      pending.set(id, entry);
      if (entry.details.timeout) {
        entry.timer = setTimeout(() => {
          if (pending.delete(id) && typeof entry.details.ontimeout === "function") {
            entry.details.ontimeout();
          }
        }, entry.details.timeout);
      }
      window.postMessage({
        channel: CHANNEL,
        id,
        type: "request",
        scriptId: SCRIPT_ID,
        details: {
          method: entry.details.method || "GET",
          url: entry.details.url,
          headers: entry.details.headers || {},
          data: entry.details.data,
          timeout: entry.details.timeout,
          responseType: entry.details.responseType || "",
          anonymous: Boolean(entry.details.anonymous),
          redirect: entry.details.redirect || "follow"
        }
      }, "*");
      return {
        abort: () => {
          if (pending.delete(id) && entry.timer) {
            clearTimeout(entry.timer);
          }
        }
      };
    };

    Object.defineProperty(globalThis, "GM_xmlhttpRequest", {
      value: helper,
      configurable: true,
      writable: true
    });
  };
`

// runAtGate defers execution until the document has reached the script's
// declared lifecycle stage. document_start runs immediately; document_end
// waits for parse completion; document_idle waits for the full load.
const runAtGate = `  const run = () => {
    if (typeof document === "undefined" || RUN_STAGE === "document_start") {
      execute();
      return;
    }
    const state = document.readyState;
    if (state === "complete") {
      execute();
      return;
    }
    if (RUN_STAGE === "document_end") {
      if (state !== "loading") {
        execute();
        return;
      }
      document.addEventListener("DOMContentLoaded", execute, { once: true });
      return;
    }
    window.addEventListener("load", execute, { once: true });
  };
`
