package httpapi

import "net/http"

func (s *Server) handlePerfDelivery(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	report := s.metrics.DeliveryReport()
	if r.URL.Query().Get("reset") == "true" {
		s.metrics.ResetDeliveryReport()
	}
	respondJSON(w, http.StatusOK, report)
}
