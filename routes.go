package modkit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HandlerResolver maps a route's handler name, as declared in a module
// definition, to an HTTP handler. Returning nil skips the route.
type HandlerResolver func(moduleID, handlerName string) http.Handler

// MountModuleRoutes mounts the route tables of every enabled module onto
// the router. Disabled modules contribute nothing; routes whose handler
// the resolver cannot supply are skipped with a warning rather than
// failing the mount, since a missing handler for one module should not
// take down the host.
func MountModuleRoutes(router chi.Router, registry *Registry, resolve HandlerResolver, logger Logger) {
	for _, entry := range registry.AllModules() {
		if !entry.Enabled {
			continue
		}
		for _, route := range entry.Definition.Routes {
			handler := resolve(entry.ID(), route.Handler)
			if handler == nil {
				logger.Warn("No handler for module route",
					"module", entry.ID(),
					"handler", route.Handler,
					"path", route.Path)
				continue
			}
			router.Method(route.Method, route.Path, handler)
			logger.Debug("Mounted module route",
				"module", entry.ID(),
				"method", route.Method,
				"path", route.Path)
		}
	}
}
