package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/replstore/internal/errors"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code"`
	Message   string   `json:"message"`
	Databases []string `json:"databases,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errorCode, message string) {
	writeJSON(w, code, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: RequestIDFrom(r),
	})
}

// handleError writes err as an HTTP error. Store errors keep their code;
// composite failures list the failing databases.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Status:    "error",
		Message:   err.Error(),
		RequestID: RequestIDFrom(r),
	}

	var (
		cf *errors.CompositeFailure
		se *errors.StoreError
		st *status.Status
	)
	switch {
	case stderrors.As(err, &cf):
		st = cf.ToGRPCStatus()
		resp.ErrorCode = errors.ErrCodeCompositeFailure.String()
		resp.Databases = cf.Databases()
	case stderrors.As(err, &se):
		st = se.ToGRPCStatus()
		resp.ErrorCode = se.Code.String()
	case stderrors.Is(err, context.DeadlineExceeded):
		st = status.New(codes.DeadlineExceeded, err.Error())
		resp.ErrorCode = "TIMEOUT"
	case stderrors.Is(err, context.Canceled):
		st = status.New(codes.Canceled, err.Error())
		resp.ErrorCode = "CANCELED"
	default:
		st = status.New(codes.Internal, err.Error())
		resp.ErrorCode = errors.ErrCodeInternal.String()
	}
	fields := []zap.Field{zap.String("error_code", resp.ErrorCode), zap.Error(err)}
	if len(resp.Databases) > 0 {
		fields = append(fields, zap.Strings("failed_databases", resp.Databases))
	}
	annotate(r, fields...)
	writeJSON(w, grpcToHTTPStatus(st.Code()), resp)
}

func grpcToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
