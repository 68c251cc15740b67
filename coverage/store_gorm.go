package coverage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type CoverageRunPo struct {
	ID        int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Suite     string  `gorm:"column:suite;index" json:"suite"`
	Elements  int64   `gorm:"column:elements" json:"elements"`
	Covered   int64   `gorm:"column:covered" json:"covered"`
	Coverage  float64 `gorm:"column:coverage" json:"coverage"`
	CreatedAt int64   `gorm:"column:created_at" json:"created_at"`
}

func (CoverageRunPo) TableName() string {
	return "coverage_run"
}

type CoverageElementPo struct {
	ID         int64       `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      int64       `gorm:"column:run_id;index"`
	ProcessKey string      `gorm:"column:process_key"`
	ElementID  string      `gorm:"column:element_id"`
	Kind       ElementKind `gorm:"column:kind"`
	Covered    bool        `gorm:"column:covered"`
	CreatedAt  int64       `gorm:"column:created_at"`
}

func (CoverageElementPo) TableName() string {
	return "coverage_element"
}

type QueryCoverageRunParams struct {
	RunID        *int64  `json:"run_id"`
	Suite        *string `json:"suite"`
	OrderbyIDAsc *bool   `json:"orderby_id_asc"`
	Page         *Pager  `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type QueryCoverageElementParams struct {
	RunIDIn     []int64 `json:"run_id_in"`
	ProcessKey  *string `json:"process_key"`
	CoveredOnly bool    `json:"covered_only"`
}

type coverageRepo struct {
	db *gorm.DB
}

func NewCoverageRepo(db *gorm.DB) CoverageRepo {
	return &coverageRepo{
		db: db,
	}
}

// AutoMigrate 建表, sqlite 测试和命令行使用
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CoverageRunPo{}, &CoverageElementPo{})
}

func (r *coverageRepo) CreateCoverageRun(ctx context.Context, run *CoverageRunPo) (*CoverageRunPo, error) {
	if run == nil {
		return nil, errors.New("nil CoverageRunPo")
	}
	run.CreatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(run).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateCoverageRun failed")
	}
	return run, nil
}

func (r *coverageRepo) CreateCoverageElements(ctx context.Context, elements []*CoverageElementPo) error {
	if len(elements) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, element := range elements {
		if element == nil {
			return errors.New("nil CoverageElementPo")
		}
		element.CreatedAt = now
	}
	if err := r.GetDBWithContext(ctx).CreateInBatches(elements, 200).Error; err != nil {
		return errors.WithMessage(err, "CreateCoverageElements failed")
	}
	return nil
}

func buildQueryCoverageRunParams(db *gorm.DB, isCount bool, param *QueryCoverageRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryCoverageRunParams")
	}
	if param.RunID != nil {
		db = db.Where("id = ?", param.RunID)
	}
	if param.Suite != nil {
		db = db.Where("suite = ?", param.Suite)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *coverageRepo) QueryCoverageRuns(ctx context.Context, param *QueryCoverageRunParams) ([]*CoverageRunPo, error) {
	db := r.GetDBWithContext(ctx).Model(&CoverageRunPo{})
	db, err := buildQueryCoverageRunParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryCoverageRunParams failed")
	}
	pos := make([]*CoverageRunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryCoverageRuns failed")
	}
	return pos, nil
}

func (r *coverageRepo) CountCoverageRuns(ctx context.Context, param *QueryCoverageRunParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&CoverageRunPo{})
	db, err := buildQueryCoverageRunParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryCoverageRunParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountCoverageRuns failed")
	}
	return count, nil
}

func (r *coverageRepo) QueryCoverageElements(ctx context.Context, param *QueryCoverageElementParams) ([]*CoverageElementPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryCoverageElementParams")
	}
	if len(param.RunIDIn) == 0 {
		return nil, errors.New("query coverage elements need run_id_in")
	}
	db := r.GetDBWithContext(ctx).Model(&CoverageElementPo{}).Where("run_id IN ?", param.RunIDIn)
	if param.ProcessKey != nil {
		db = db.Where("process_key = ?", param.ProcessKey)
	}
	if param.CoveredOnly {
		db = db.Where("covered = ?", true)
	}
	pos := make([]*CoverageElementPo, 0)
	if err := db.Order("id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryCoverageElements failed")
	}
	return pos, nil
}

// DeleteCoverageRuns 删除 suite 的所有 run 以及对应的元素
func (r *coverageRepo) DeleteCoverageRuns(ctx context.Context, suite string) error {
	if suite == "" {
		return errors.New("delete coverage runs need suite")
	}
	return r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx)
		runIDs := db.Model(&CoverageRunPo{}).Select("id").Where("suite = ?", suite)
		if err := db.Where("run_id IN (?)", runIDs).Delete(&CoverageElementPo{}).Error; err != nil {
			return errors.WithMessage(err, "delete coverage elements failed")
		}
		if err := r.GetDBWithContext(ctx).Where("suite = ?", suite).Delete(&CoverageRunPo{}).Error; err != nil {
			return errors.WithMessage(err, "delete coverage runs failed")
		}
		return nil
	})
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *coverageRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *coverageRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		// 已经在事务里面, 复用外层事务
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
