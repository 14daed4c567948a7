// Package googleapi maps Google Cloud client failures onto domain.ProviderError.
package googleapi

import (
	"context"
	"errors"

	"github.com/googleapis/gax-go/v2/apierror"

	"github.com/satriahrh/cocoa-fruit/persona/domain"
)

// ProviderError wraps err for op, echoing the HTTP status and gRPC code when the client
// reported them.
func ProviderError(op string, err error) error {
	out := &domain.ProviderError{Op: op, Kind: domain.KindUpstream, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		out.Kind = domain.KindTimeout
		return out
	}

	if ae, ok := apierror.FromError(err); ok {
		if code := ae.HTTPCode(); code > 0 {
			out.Status = code
		}
		if st := ae.GRPCStatus(); st != nil {
			out.Code = st.Code().String()
			out.Message = st.Message()
			if out.Code == "DeadlineExceeded" {
				out.Kind = domain.KindTimeout
			}
			if out.Code == "InvalidArgument" {
				out.Kind = domain.KindInvalidInput
			}
		}
		if out.Code == "" {
			out.Code = ae.Reason()
		}
	}
	return out
}
