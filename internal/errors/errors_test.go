package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/pesio-ai/be-gl-closing/internal/errors"
)

func TestError_Message(t *testing.T) {
	err := errors.InvalidInput("period_end", "must not precede period_start")
	assert.Equal(t, "period_end: must not precede period_start", err.Error())

	wrapped := errors.Wrap(stderrors.New("connection refused"), errors.ErrCodeUnavailable, "ledger unreachable")
	assert.Equal(t, "ledger unreachable: connection refused", wrapped.Error())
}

func TestCodeOf_FollowsWrapChain(t *testing.T) {
	base := errors.New(errors.ErrCodeStepNotEligible, "prerequisites not done")
	err := fmt.Errorf("complete step: %w", base)

	assert.Equal(t, errors.ErrCodeStepNotEligible, errors.CodeOf(err))
	assert.True(t, errors.HasCode(err, errors.ErrCodeStepNotEligible))
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(stderrors.New("plain")))
	assert.False(t, errors.HasCode(nil, errors.ErrCodeInternal))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code errors.Code
		http int
		grpc codes.Code
	}{
		{errors.ErrCodeInvalidPeriod, http.StatusBadRequest, codes.InvalidArgument},
		{errors.ErrCodeDuplicateProcedure, http.StatusConflict, codes.AlreadyExists},
		{errors.ErrCodeInvalidState, http.StatusConflict, codes.FailedPrecondition},
		{errors.ErrCodeStepNotManual, http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{errors.ErrCodeNotFound, http.StatusNotFound, codes.NotFound},
		{errors.ErrCodeAuditUnavailable, http.StatusServiceUnavailable, codes.Unavailable},
		{errors.ErrCodeInternal, http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := errors.New(tt.code, "x")
			assert.Equal(t, tt.http, errors.HTTPStatus(err))
			assert.Equal(t, tt.grpc, errors.GRPCCode(err))
		})
	}
}
