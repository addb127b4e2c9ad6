package handler

import (
	"net/http"

	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/go-chi/chi/v5"
)

// requireID answers 404 for an {id} path segment that is not a UUID, so malformed ids never
// reach the uuid columns.
func requireID(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !utils.IsValidUUID(chi.URLParam(r, "id")) {
				utils.NotFound(w, resource)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
