package data

import (
	"context"

	"github.com/sawpanic/allocrun/internal/domain"
)

// Stream yields validated bars in ascending timestamp order across all
// symbols. Next returns (nil, nil) once the stream is exhausted.
type Stream interface {
	Next(ctx context.Context) (*domain.Bar, error)
}

// LiveSource looks up recent completed daily bars for the live path, where
// there is no historical stream to iterate. History returns up to lookback
// bars ascending, ending at the most recent completed bar; Latest is the last
// element of that series.
type LiveSource interface {
	Latest(ctx context.Context, symbol string) (domain.Bar, error)
	History(ctx context.Context, symbol string, lookback int) ([]domain.Bar, error)
}
