package broadcaster

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/reliability"
)

// Status is the operator view of a running node.
type Status struct {
	Identifier     string        `json:"identifier"`
	Version        string        `json:"version"`
	Wallet         string        `json:"wallet"`
	ViewingKey     string        `json:"viewingKey"`
	Stopped        bool          `json:"stopped"`
	ReplayGuardLen int           `json:"replayGuardSize"`
	Chains         []ChainStatus `json:"chains"`
}

// ChainStatus is the per-chain part of Status.
type ChainStatus struct {
	Chain            string                       `json:"chain"`
	Reliability      float64                      `json:"reliability"`
	Counters         map[reliability.Metric]int64 `json:"counters,omitempty"`
	Balance          string                       `json:"balance,omitempty"`
	AvailableWallets int                          `json:"availableWallets"`
	QueuedPOIs       map[string]int               `json:"queuedPOIs,omitempty"`
	Error            string                       `json:"error,omitempty"`
}

// Status reports the node state. Counter read failures are reported per chain.
func (s *Service) Status() Status {
	status := Status{
		Identifier:     s.cfg.Identifier,
		Version:        s.cfg.Version,
		Wallet:         s.wallet.Address().Hex(),
		ViewingKey:     s.key.PublicHex(),
		Stopped:        s.stopped.Load(),
		ReplayGuardLen: s.guard.Len(),
		Chains:         make([]ChainStatus, 0, len(s.chainIDs)),
	}
	for _, c := range s.chainIDs {
		entry := ChainStatus{Chain: c.String(), AvailableWallets: s.availableWallets(c)}
		if balance, ok := s.Balance(c); ok {
			entry.Balance = balance.String()
		}
		counters, err := s.tracker.Snapshot(c)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Counters = counters
			entry.Reliability, _ = s.tracker.Ratio(c)
		}
		if s.queue != nil && s.chainCfg[c].RequirePOI {
			entry.QueuedPOIs = make(map[string]int, len(s.cfg.POI.TxidVersions))
			for _, version := range s.cfg.POI.TxidVersions {
				entry.QueuedPOIs[version] = s.queue.Store().Count(version, c)
			}
		}
		status.Chains = append(status.Chains, entry)
	}
	return status
}

// AdminHandler exposes health, status, metrics and counter resets.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.stopped.Load() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/reliability/{chain}/reset", s.handleResetReliability)
	return r
}

func (s *Service) handleResetReliability(w http.ResponseWriter, r *http.Request) {
	c, err := chain.ParseSlug(chi.URLParam(r, "chain"))
	if err != nil {
		http.Error(w, "invalid chain", http.StatusBadRequest)
		return
	}
	if _, ok := s.chainCfg[c]; !ok {
		http.Error(w, "unknown chain", http.StatusNotFound)
		return
	}
	if err := s.tracker.Init(c); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
