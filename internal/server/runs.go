package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/pkg/dateutil"
)

const maxRunsLimit = 500

type runView struct {
	RunID         string         `json:"run_id"`
	DagID         string         `json:"dag_id"`
	StageID       string         `json:"stage_id"`
	ExecutionDate string         `json:"execution_date"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_timestamp"`
}

// ListRuns returns recent pipeline run audit rows, newest first.
func (s *Server) ListRuns(c *gin.Context) {
	filter, err := parseRunFilter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, err := s.audit.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	views := make([]runView, 0, len(entries))
	for _, e := range entries {
		views = append(views, runView{
			RunID:         e.RunID,
			DagID:         e.DagID,
			StageID:       e.StageID,
			ExecutionDate: dateutil.Format(e.ExecutionDate),
			Status:        string(e.Status),
			Reason:        e.Reason,
			Detail:        e.Detail,
			CreatedAt:     e.CreatedTimestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "count": len(views)})
}

func parseRunFilter(c *gin.Context) (auditdomain.ListFilter, error) {
	filter := auditdomain.ListFilter{
		RunID:   strings.TrimSpace(c.Query("run_id")),
		DagID:   strings.TrimSpace(c.Query("dag_id")),
		StageID: strings.TrimSpace(c.Query("stage_id")),
	}

	switch status := auditdomain.RunStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))); status {
	case "":
	case auditdomain.RunStatusSuccess, auditdomain.RunStatusFailed:
		filter.Status = status
	default:
		return filter, auditdomain.ErrInvalidStatus
	}

	// since accepts an RFC3339 instant or a bare execution date.
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			if since, err = dateutil.Parse(raw); err != nil {
				return filter, invalidParam("since")
			}
		}
		filter.Since = &since
	}

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, invalidParam("limit")
		}
		filter.Limit = min(limit, maxRunsLimit)
	}
	return filter, nil
}
