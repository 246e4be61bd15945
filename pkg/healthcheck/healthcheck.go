// Package healthcheck lets components of the daemon report their state to the status server.
package healthcheck

// HealthcheckFunc returns a status message and whether the component is healthy. It must not block: a
// component watching a downstream dependency records the outcome of its own traffic and reports that,
// rather than making a roundtrip when asked.
type HealthcheckFunc func() (string, HealthyStatus)

type HealthyStatus bool

const (
	Healthy   = HealthyStatus(true)
	Unhealthy = HealthyStatus(false)
)

// HealthCheckProvider is implemented by components whose failure makes the daemon useless, such as the loop.
type HealthCheckProvider interface {
	HealthChecks() []HealthcheckFunc
}

// DeepCheckProvider is implemented by plugins which watch something outside the daemon.
type DeepCheckProvider interface {
	DeepChecks() []HealthcheckFunc
}

// Checks are the checks gathered from a set of providers.
type Checks struct {
	Health []HealthcheckFunc
	Deep   []HealthcheckFunc
}

// Gather collects the checks of every provider. Values which provide neither kind are ignored.
func Gather(providers ...interface{}) Checks {
	var c Checks
	for _, p := range providers {
		if hcp, ok := p.(HealthCheckProvider); ok {
			c.Health = append(c.Health, hcp.HealthChecks()...)
		}
		if dcp, ok := p.(DeepCheckProvider); ok {
			c.Deep = append(c.Deep, dcp.DeepChecks()...)
		}
	}
	return c
}

// Run runs the checks and splits their messages by outcome. Both slices are non-nil.
func Run(checks []HealthcheckFunc) (ok []string, failed []string) {
	ok = []string{}
	failed = []string{}
	for _, check := range checks {
		msg, status := check()
		if status == Healthy {
			ok = append(ok, msg)
		} else {
			failed = append(failed, msg)
		}
	}
	return ok, failed
}
