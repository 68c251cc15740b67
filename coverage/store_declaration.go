package coverage

import (
	"context"
)

type CoverageRepo interface {
	CreateCoverageRun(ctx context.Context, run *CoverageRunPo) (*CoverageRunPo, error)
	CreateCoverageElements(ctx context.Context, elements []*CoverageElementPo) error
	QueryCoverageRuns(ctx context.Context, param *QueryCoverageRunParams) ([]*CoverageRunPo, error)
	CountCoverageRuns(ctx context.Context, param *QueryCoverageRunParams) (int64, error)
	QueryCoverageElements(ctx context.Context, param *QueryCoverageElementParams) ([]*CoverageElementPo, error)
	DeleteCoverageRuns(ctx context.Context, suite string) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
