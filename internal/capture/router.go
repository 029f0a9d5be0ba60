package capture

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// NewRouter returns the handler for the capture listener. Origin-form
// requests under adminPath are dispatched to routes added by register;
// everything else goes to the proxy.
func NewRouter(p *Proxy, adminPath string, register func(*mux.Router)) *mux.Router {
	router := mux.NewRouter()
	router.SkipClean(true)

	if register != nil && adminPath != "" {
		admin := router.PathPrefix(strings.TrimSuffix(adminPath, "/")).
			MatcherFunc(isOriginForm).
			Subrouter()
		register(admin)
		admin.NewRoute().Handler(http.NotFoundHandler())
	}

	router.MatcherFunc(matchAll).Handler(p)
	return router
}

func isOriginForm(r *http.Request, _ *mux.RouteMatch) bool {
	return !r.URL.IsAbs()
}

func matchAll(*http.Request, *mux.RouteMatch) bool {
	return true
}
