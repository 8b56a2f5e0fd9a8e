package movement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/stockledger/internal/shared"
)

func TestRunAppliesAllSteps(t *testing.T) {
	uow := NewUnitOfWork(nil)
	var order []string
	uow.Add("first", func(ctx context.Context) (Inverse, error) {
		order = append(order, "first")
		return nil, nil
	})
	uow.Add("second", func(ctx context.Context) (Inverse, error) {
		order = append(order, "second")
		return nil, nil
	})

	require.NoError(t, uow.Run(context.Background()))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	uow := NewUnitOfWork(nil)
	var undone []string
	boom := errors.New("boom")

	uow.Add("a", func(ctx context.Context) (Inverse, error) {
		return func(ctx context.Context) error {
			undone = append(undone, "a")
			return nil
		}, nil
	})
	uow.Add("b", func(ctx context.Context) (Inverse, error) {
		return func(ctx context.Context) error {
			undone = append(undone, "b")
			return nil
		}, nil
	})
	uow.Add("c", func(ctx context.Context) (Inverse, error) {
		return nil, boom
	})

	err := uow.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, shared.ErrCompensationFailure)
	require.Equal(t, []string{"b", "a"}, undone)
}

func TestRunSurfacesCompensationFailure(t *testing.T) {
	uow := NewUnitOfWork(nil)
	boom := errors.New("boom")
	undoFail := errors.New("undo failed")

	uow.Add("a", func(ctx context.Context) (Inverse, error) {
		return func(ctx context.Context) error { return undoFail }, nil
	})
	uow.Add("b", func(ctx context.Context) (Inverse, error) {
		return nil, boom
	})

	err := uow.Run(context.Background())
	require.ErrorIs(t, err, shared.ErrCompensationFailure)
	require.ErrorIs(t, err, boom)
}

func TestStepsWithoutInverseAreSkippedDuringCompensation(t *testing.T) {
	uow := NewUnitOfWork(nil)
	var undone []string

	uow.Add("readonly", func(ctx context.Context) (Inverse, error) {
		return nil, nil
	})
	uow.Add("write", func(ctx context.Context) (Inverse, error) {
		return func(ctx context.Context) error {
			undone = append(undone, "write")
			return nil
		}, nil
	})
	uow.Add("fail", func(ctx context.Context) (Inverse, error) {
		return nil, errors.New("late failure")
	})

	require.Error(t, uow.Run(context.Background()))
	require.Equal(t, []string{"write"}, undone)
}
