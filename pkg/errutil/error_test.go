package errutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBaseErrorIsMatchesReason(t *testing.T) {
	sentinel := BaseError{Code: StatusUnprocessableEntity, Reason: "balance_limit_exceeded"}

	err := UnprocessableEntity("limit", nil, WithReason("balance_limit_exceeded"), WithDetail("floor", "-1000"))
	wrapped := fmt.Errorf("debit: %w", err)

	require.ErrorIs(t, wrapped, sentinel)
	require.NotErrorIs(t, wrapped, BaseError{Code: StatusUnprocessableEntity, Reason: "insufficient_balance"})

	be, ok := As(wrapped)
	require.True(t, ok)
	floor, ok := be.Detail("floor")
	require.True(t, ok)
	require.Equal(t, "-1000", floor)
}

func TestHelpersKeepCause(t *testing.T) {
	cause := errors.New("boom")
	err := Internal("failed", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "boom")
}

func TestStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusConflict, StatusConflict.HTTPStatus())
	require.Equal(t, http.StatusUnprocessableEntity, StatusUnprocessableEntity.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPStatus())

	st, ok := status.FromError(ToGRPCError(Conflict("dup", nil)))
	require.True(t, ok)
	require.Equal(t, codes.AlreadyExists, st.Code())
}

func TestUnaryServerInterceptorMapsDomainErrors(t *testing.T) {
	intercept := UnaryServerInterceptor()

	_, err := intercept(context.Background(), nil, nil, func(context.Context, any) (any, error) {
		return nil, NotFound("missing", nil)
	})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())

	resp, err := intercept(context.Background(), nil, nil, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestGRPCErrorCarriesReason(t *testing.T) {
	err := ToGRPCError(UnprocessableEntity("insufficient balance", nil,
		WithReason("insufficient_balance"),
		WithDetail("required", "400"),
		WithDetail("available", "250"),
	))

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.FailedPrecondition, st.Code())

	reason, meta, ok := ReasonFromGRPC(err)
	require.True(t, ok)
	require.Equal(t, "insufficient_balance", reason)
	require.Equal(t, map[string]string{"required": "400", "available": "250"}, meta)

	_, _, ok = ReasonFromGRPC(ToGRPCError(NotFound("missing", nil)))
	require.False(t, ok)
}
