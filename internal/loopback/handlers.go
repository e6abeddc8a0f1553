package loopback

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/houbamydar/ahojauth/internal/interaction"
)

// The callback page reports its full URL, fragment included, because the
// fragment never reaches the server on its own.
const callbackHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Signing in</title></head>
<body>
<p id="msg">Finishing sign-in&hellip;</p>
<script>
(function () {
  var base = location.pathname.replace(/\/$/, "");
  var body = new URLSearchParams({href: location.href});
  fetch(base + "/report", {method: "POST", body: body}).then(function (r) {
    document.getElementById("msg").textContent = r.ok ? "You can close this window." : "Sign-in response was rejected.";
  });
  window.addEventListener("pagehide", function () {
    navigator.sendBeacon(base + "/closed");
  });
})();
</script>
</body>
</html>
`

func (h *Host) callbackPage(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Referrer-Policy", "no-referrer")
	return c.HTML(http.StatusOK, callbackHTML)
}

func (h *Host) report(c echo.Context) error {
	href := strings.TrimSpace(c.FormValue("href"))
	if !h.isCallback(href) {
		h.logger.Printf("loopback.report.rejected reason=foreign_url")
		return c.NoContent(http.StatusBadRequest)
	}
	if !interaction.HashContainsKnownProperties(interaction.HashOf(href)) {
		h.logger.Printf("loopback.report.rejected reason=no_response")
		return c.NoContent(http.StatusBadRequest)
	}
	h.deliver(href)
	return c.NoContent(http.StatusNoContent)
}

func (h *Host) closed(c echo.Context) error {
	h.mu.Lock()
	w := h.active
	h.mu.Unlock()
	if w != nil {
		w.markClosed(true)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Host) isCallback(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return h.isLocal(href) && strings.TrimRight(u.Path, "/") == strings.TrimRight(h.cfg.CallbackPath, "/")
}
