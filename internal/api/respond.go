package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "MarketResearch/internal/errors"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 以统一结构输出错误，5xx 额外记录日志。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: xerrors.MessageOf(err)}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}
