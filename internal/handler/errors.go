package handler

import (
	"net/http"

	apperrors "github.com/aditya/go-carpool/internal/errors"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/sirupsen/logrus"
)

// handleError writes API errors as they are and hides everything else behind a 500.
func handleError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	if apiErr, ok := apperrors.As(err); ok {
		utils.Error(w, apiErr)
		return
	}

	log.WithError(err).Error("unhandled error")
	utils.InternalError(w, "internal server error")
}
