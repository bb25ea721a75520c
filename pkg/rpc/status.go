package rpc

import (
	"encoding/json"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// wireError is how an *apierr.Error crosses the trusted boundary: the
// 32-bit Code tag plus the message, JSON-encoded into the gRPC status
// message. There is no protoc-generated status-detail message available
// here, so the encoding rides in the message string instead of a
// proto.Any detail.
type wireError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// ToStatus converts any error into a gRPC status carrying the
// wire-stable code. Non-apierr errors become CodeUnknown; errors that
// are already gRPC statuses pass through untouched so stacked
// interceptors do not re-encode them.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, alreadyStatus := status.FromError(err); alreadyStatus {
		return err
	}
	we := wireError{Code: uint32(apierr.CodeOf(err)), Message: err.Error()}
	data, encErr := json.Marshal(we)
	if encErr != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codes.Unknown, string(data))
}

// FromStatus reverses ToStatus, reconstructing an *apierr.Error from a
// gRPC error returned by a call through this package's codec.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var we wireError
	if jsonErr := json.Unmarshal([]byte(st.Message()), &we); jsonErr != nil {
		return err
	}
	return &apierr.Error{Code: apierr.Code(we.Code), Message: we.Message}
}
