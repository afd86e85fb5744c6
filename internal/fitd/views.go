package fitd

import (
	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
)

func fitToJSON(rec *FitRecord) map[string]any {
	out := map[string]any{
		"id":                 rec.Run.ID,
		"status":             rec.Run.Status,
		"created_at_unix_ms": rec.Run.CreatedAtUnixMs,
		"started_at_unix_ms": rec.Run.StartedAtUnixMs,
		"ended_at_unix_ms":   rec.Run.EndedAtUnixMs,
		"error":              rec.Run.Error,
		"iterations":         len(rec.History),
	}
	if rec.Request != nil {
		out["model"] = rec.Request.Model
		out["analysis_name"] = rec.Request.AnalysisName
		out["samples"] = rec.Request.Data.Len()
		out["parameters"] = rec.Request.Parameters
	}
	if rec.State != nil {
		out["result"] = rec.State
	}
	return out
}

func modelToJSON(m *reservoir.Model) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"description": m.Description,
		"parameters":  m.Defaults,
	}
}

func recordToJSON(r *archive.Record) map[string]any {
	return map[string]any{
		"id":            r.ID,
		"name":          r.Name,
		"model_type":    r.ModelType,
		"status":        r.Status,
		"sse":           r.SSE,
		"codec":         r.Codec,
		"payload_bytes": len(r.Payload),
		"created_at":    r.CreatedAt,
	}
}
