package web

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/louisbranch/probat/internal/platform/id"
	"github.com/louisbranch/probat/internal/platform/requestctx"
	"github.com/louisbranch/probat/internal/services/probat/app"
	"github.com/louisbranch/probat/internal/services/probat/usage"
	"golang.org/x/net/websocket"
)

const (
	visitorCookieName = "probat_visitor"
	visitorCookieTTL  = 365 * 24 * time.Hour
)

type handler struct {
	runtime *app.Runtime
	demo    Demo
}

// NewHandler creates the demo routes. The variant query parameter forces a
// label on both the page and its websocket.
func NewHandler(rt *app.Runtime, demo Demo) http.Handler {
	h := &handler{runtime: rt, demo: demo.withDefaults()}
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", h.servePage)

	wsHandler := websocket.Handler(h.serveConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if requestctx.VisitorIDFromContext(r.Context()) == "" {
			http.Error(w, "visitor cookie required", http.StatusUnauthorized)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return requestctx.VariantOverrideMiddleware(visitorMiddleware(mux))
}

// visitorMiddleware copies a valid visitor cookie into the request context.
func visitorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if visitorID := visitorFromRequest(r); visitorID != "" {
			r = r.WithContext(requestctx.WithVisitorID(r.Context(), visitorID))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) newUsage(ctx context.Context, onMetric func(usage.MetricEvent)) (*usage.Usage, error) {
	cfg := h.demo.usageConfig()
	cfg.OnMetric = onMetric
	return h.runtime.UsageFor(ctx, cfg)
}

func (h *handler) servePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if requestctx.VisitorIDFromContext(ctx) == "" {
		generated, err := id.NewID()
		if err != nil {
			log.Printf("probat: generate visitor id: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ctx = requestctx.WithVisitorID(ctx, generated)
		http.SetCookie(w, &http.Cookie{
			Name:     visitorCookieName,
			Value:    generated,
			Path:     "/",
			MaxAge:   int(visitorCookieTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	u, err := h.newUsage(ctx, nil)
	if err != nil {
		log.Printf("probat: build demo usage: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer u.Close()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page(u, wsPath(r)).Render(ctx, w); err != nil {
		log.Printf("probat: render demo page: %v", err)
	}
}

func visitorFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(visitorCookieName)
	if err != nil {
		return ""
	}
	value := strings.TrimSpace(cookie.Value)
	if !id.Valid(value) {
		return ""
	}
	return value
}

func wsPath(r *http.Request) string {
	label := strings.TrimSpace(r.URL.Query().Get(requestctx.VariantQueryParam))
	if label == "" {
		return "/ws"
	}
	return "/ws?" + url.Values{requestctx.VariantQueryParam: {label}}.Encode()
}

const pageScript = `(function () {
  var root = document.getElementById("probat-root");
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(scheme + location.host + root.dataset.ws);
  ws.onmessage = function (ev) {
    var frame = JSON.parse(ev.data);
    if (frame.type === "probat.render" || frame.type === "probat.swap") {
      root.innerHTML = frame.payload.html;
    }
  };
  root.addEventListener("click", function (ev) {
    if (!ev.target.closest("button") || ws.readyState !== WebSocket.OPEN) {
      return;
    }
    ws.send(JSON.stringify({ type: "probat.interact", payload: { name: "click" } }));
  });
})();`

// page renders the document shell around the usage's current selection.
func page(u *usage.Usage, socketPath string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>probat demo</title>
<style>.probat-button{padding:.6rem 1.2rem;border:1px solid #ccc;border-radius:4px}.probat-button-bold{font-weight:700}</style>
</head>
<body>
<main id="probat-root" data-ws="%s">`, templ.EscapeString(socketPath)); err != nil {
			return err
		}
		if err := u.Render(ctx, w); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "</main>\n<script>%s</script>\n</body>\n</html>\n", pageScript)
		return err
	})
}
