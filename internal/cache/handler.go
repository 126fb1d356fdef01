package cache

import (
	"net/http"
	"strconv"
	"strings"
)

// Handler adapts a Router to http.Handler. Only GET and HEAD are routed;
// other methods are rejected.
type Handler struct {
	Router *Router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := h.Router.Serve(r.Context(), Request{
		URL:      r.URL.RequestURI(),
		Navigate: IsNavigation(r),
	})

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("X-Cache-Source", string(resp.Source))
	w.Header().Set("X-Cache-Tier", string(resp.Tier))
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodGet {
		w.Write(resp.Body)
	}
}

// IsNavigation reports whether r is a top-level document navigation.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
