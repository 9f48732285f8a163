package agent

import (
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startMetrics serves /metrics from the default registry and /healthz from
// the agent state
func (a *Agent) startMetrics(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to create metrics listener")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.healthzHandler)
	srv := &http.Server{Handler: mux}

	a.mu.Lock()
	a.metrics = srv
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server stopped")
		}
	}()
	log.WithField("addr", l.Addr()).Info("Serving metrics")
	return nil
}

func (a *Agent) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	state := a.State()
	if state != StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if _, err := fmt.Fprintf(w, "state: %s\nheight: %d\n", state, a.Height()); err != nil {
		log.Errorf("Could not write healthz body %v", err)
	}
}
