package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Recovery turns a panic into a 500 response.
func Recovery(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(logrus.Fields{
						"panic": err,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					}).Error("panic recovered")

					utils.InternalError(w, "an unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
