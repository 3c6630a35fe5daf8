package api

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/pipeline"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

type eventsQuery struct {
	Type     string `query:"type" validate:"omitempty,max=64"`
	Severity string `query:"severity" validate:"omitempty,oneof=low medium high critical"`
	IP       string `query:"ip" validate:"omitempty,ip"`
	User     string `query:"user" validate:"omitempty,max=128"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=1000"`
	Source   string `query:"source" validate:"omitempty,oneof=memory archive"`
}

// SecurityEventsHandler handles GET /v1/sys/security-events
func (s *Server) SecurityEventsHandler(w http.ResponseWriter, r *http.Request) {
	q, _ := pipeline.QueryFrom[eventsQuery](r.Context())
	if q.Type != "" && !models.EventType(q.Type).Valid() {
		apierr.Write(w, r, apierr.Validation(validate.Errors{{
			Field: "query.type", Rule: "eventtype", Message: "Unknown event type",
		}}))
		return
	}

	filter := models.EventFilter{
		Type:        models.EventType(q.Type),
		MinSeverity: models.Severity(q.Severity),
		IP:          q.IP,
		UserID:      q.User,
		Limit:       q.Limit,
	}

	if q.Source == "archive" {
		if s.archive == nil {
			apierr.Write(w, r, apierr.ErrNotFound.WithDetails(map[string]any{"reason": "archive disabled"}))
			return
		}
		events, err := s.archive.Query(r.Context(), filter)
		if err != nil {
			log.Error().Err(err).Str("component", "api").Msg("querying event archive")
			apierr.Write(w, r, apierr.ErrInternal)
			return
		}
		if events == nil {
			events = []*models.SecurityEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": events, "source": "archive"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": s.monitor.Query(filter), "source": "memory"})
}
