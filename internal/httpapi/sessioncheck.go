package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SessionCheckHandler serves `/session/check` (spec §4.3.10, §6): the OIDC
// Session Management `check_session_iframe`. An RP embeds this page in a
// hidden iframe and postMessages "<client_id> <session_state>" to it; the
// page recomputes session_state from the `authrim_browser_state` cookie the
// same way authzfsm.SessionState does at issuance time and replies
// "unchanged", "changed", or "error" to the RP's own iframe, without ever
// sending the cookie value itself back across origins.
type SessionCheckHandler struct {
	// Salt must match the Deps.BrowserStateSalt authzfsm.SessionState was
	// computed with. A session_state carrying any other salt (e.g. minted
	// before a salt rotation) is rejected as "error" rather than trusted.
	Salt string
}

func (h *SessionCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	saltJSON, _ := json.Marshal(h.Salt)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "frame-ancestors *")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, sessionCheckPage, saltJSON, BrowserStateCookieName)
}

// sessionCheckPage reimplements authzfsm.SessionState's formula
// (SHA-256(client_id || ' ' || rp_origin || ' ' || browser_state || ' ' ||
// salt), base64url, + "." + salt) in JS via SubtleCrypto, since the
// comparison must happen inside the OP-origin iframe without ever
// transmitting the browser_state cookie to the RP.
const sessionCheckPage = `<!DOCTYPE html>
<html><head><title>session check</title></head>
<body>
<script>
var SALT = %s;
var COOKIE_NAME = %q;

function readCookie(name) {
  var parts = document.cookie.split("; ");
  for (var i = 0; i < parts.length; i++) {
    var kv = parts[i].split("=");
    if (kv[0] === name) return decodeURIComponent(kv.slice(1).join("="));
  }
  return null;
}

function base64url(buf) {
  var bytes = new Uint8Array(buf);
  var bin = "";
  for (var i = 0; i < bytes.length; i++) bin += String.fromCharCode(bytes[i]);
  return btoa(bin).replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
}

window.addEventListener("message", function (e) {
  var reply = function (status) {
    if (e.source) e.source.postMessage(status, e.origin);
  };

  var msg = String(e.data || "");
  var sp = msg.indexOf(" ");
  if (sp < 0) { reply("error"); return; }
  var clientID = msg.slice(0, sp);
  var sessionState = msg.slice(sp + 1);

  var dot = sessionState.lastIndexOf(".");
  if (dot < 0) { reply("error"); return; }
  var salt = sessionState.slice(dot + 1);
  if (salt !== SALT) { reply("error"); return; }

  var browserState = readCookie(COOKIE_NAME);
  if (browserState === null) { reply("changed"); return; }

  var input = clientID + " " + e.origin + " " + browserState + " " + salt;
  var enc = new TextEncoder().encode(input);
  crypto.subtle.digest("SHA-256", enc).then(function (digest) {
    var expect = base64url(digest) + "." + salt;
    reply(expect === sessionState ? "unchanged" : "changed");
  }).catch(function () { reply("error"); });
}, false);
</script>
</body></html>
`
