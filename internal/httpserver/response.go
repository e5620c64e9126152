package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int32  `json:"code"`
}

type successBody struct {
	Success bool `json:"success"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Ctx(r.Context()).Warn("write response failed", zap.Error(err))
	}
}

// writeError 按错误码确定 HTTP 状态并输出统一的错误结构。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := merr.HTTPStatus(err)
	logger := log.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, r, status, errorBody{
		Success: false,
		Error:   err.Error(),
		Code:    merr.Code(err),
	})
}

func writeSuccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, successBody{Success: true})
}
