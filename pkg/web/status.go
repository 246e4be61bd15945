package web

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd/pkg/loop"
)

// StatusFunc returns the status document served on /status.
type StatusFunc func() Status

// Status describes the enabled plugins and the state of the loop.
type Status struct {
	Collectors []string    `json:"collectors"`
	Processors []string    `json:"processors"`
	Sinks      []string    `json:"sinks"`
	Loop       loop.Status `json:"loop"`
}

func statusHandler(logger logrus.FieldLogger, status StatusFunc) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		resp.Header().Set("content-type", "application/json")
		resp.WriteHeader(http.StatusOK)
		if err := jsoniter.NewEncoder(resp).Encode(status()); err != nil {
			logger.WithError(err).Warn("Failed to write status")
		}
	}
}
