package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lk2023060901/firm-gateway-go/pkg/log"
	"github.com/lk2023060901/firm-gateway-go/pkg/metrics"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

const headerRequestID = "X-Request-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为请求分配请求 ID 与 span，记录指标，并兜底 panic。
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	tracer := otel.Tracer("httpserver")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx, span := tracer.Start(r.Context(), route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method), attribute.String("request.id", reqID)))
		defer span.End()

		ctx = log.WithRequestID(ctx, reqID)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = log.WithTraceID(ctx, sc.TraceID().String())
		}
		w.Header().Set(headerRequestID, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		defer func() {
			if p := recover(); p != nil {
				log.Ctx(ctx).Error("panic in http handler", zap.Any("panic", p), zap.Stack("stack"))
				writeError(rec, r, merr.WrapErrServiceInternal("panic in handler"))
			}
			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPLatency.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
		}()

		next(rec, r)
	})
}
