// Package metricsvc exports provisioning and redemption counters to Prometheus.
package metricsvc

import (
	"net/http"

	"github.com/pkg/errors"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/shule/core"
)

const namespace = "shule"

type Service struct {
	provisioned *promclient.CounterVec
	redemptions *promclient.CounterVec
	gatherer    promclient.Gatherer
}

var _ core.Metrics = (*Service)(nil) // interface compliance check

// New registers the counters on reg, reusing collectors registered by an earlier call.
// A nil reg uses a fresh registry.
func New(reg *promclient.Registry) (*Service, error) {
	if reg == nil {
		reg = promclient.NewRegistry()
	}
	svc := &Service{
		provisioned: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_provisioned_total",
			Help:      "Account provisioning attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		redemptions: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "activation_redemptions_total",
			Help:      "Activation code redemptions by plan and outcome.",
		}, []string{"plan", "outcome"}),
		gatherer: reg,
	}

	var err error
	if svc.provisioned, err = register(reg, svc.provisioned); err != nil {
		return nil, errors.Wrap(err, "registering provisioning counter")
	}
	if svc.redemptions, err = register(reg, svc.redemptions); err != nil {
		return nil, errors.Wrap(err, "registering redemption counter")
	}
	return svc, nil
}

func register(reg promclient.Registerer, c *promclient.CounterVec) (*promclient.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promclient.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (svc *Service) ObserveProvisioning(role, outcome string) {
	svc.provisioned.WithLabelValues(role, outcome).Inc()
}

func (svc *Service) ObserveRedemption(plan, outcome string) {
	if plan == "" {
		plan = "unknown"
	}
	svc.redemptions.WithLabelValues(plan, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (svc *Service) Handler() http.Handler {
	return promhttp.HandlerFor(svc.gatherer, promhttp.HandlerOpts{})
}
