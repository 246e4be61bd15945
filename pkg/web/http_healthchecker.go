package web

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd/pkg/healthcheck"
)

type healthChecker struct {
	logger logrus.FieldLogger
	checks healthcheck.Checks
}

func respondToHealthChecks(resp http.ResponseWriter, checks []healthcheck.HealthcheckFunc) {
	ok, failed := healthcheck.Run(checks)
	resp.Header().Set("content-type", "application/json")
	if len(failed) > 0 {
		resp.WriteHeader(http.StatusInternalServerError)
	} else {
		resp.WriteHeader(http.StatusOK)
	}

	_ = jsoniter.NewEncoder(resp).Encode(map[string][]string{
		"ok":     ok,
		"failed": failed,
	})
}

// healthCheck reports if the loop is ticking.
func (hc *healthChecker) healthCheck(resp http.ResponseWriter, req *http.Request) {
	hc.logger.Debug("healthCheck")
	respondToHealthChecks(resp, hc.checks.Health)
}

// deepCheck reports on plugins which watch their downstream dependencies.
func (hc *healthChecker) deepCheck(resp http.ResponseWriter, req *http.Request) {
	hc.logger.Debug("deepCheck")
	respondToHealthChecks(resp, hc.checks.Deep)
}
