// Package bootstrap 按配置把引擎, 锁, 覆盖率统计和存储组装起来
package bootstrap

import (
	"context"
	"time"

	"github.com/blingmoon/simple-bpmn/coverage"
	"github.com/blingmoon/simple-bpmn/internal/config"
	"github.com/blingmoon/simple-bpmn/process"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const redisPingTimeout = 3 * time.Second

// App 组装好的运行环境, 用完需要 Close
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Engine   process.ProcessEngine
	Recorder *coverage.Recorder
	// CoverageRepo 没有配置 coverage.database_path 时为 nil
	CoverageRepo coverage.CoverageRepo

	closers []func() error
}

/**
 * @description: 按配置创建 App, 锁的后端和覆盖率存储都在这里打开
 * @param cfg *config.Config 已经校验过的配置
 * @param logger *zap.Logger 为 nil 时不输出日志
 * @return *App, error
 */
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.WithMessage(process.ErrProcessParamInvalid, "config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}

	lock, closeLock, err := NewProcessLock(cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeLock)

	app.Recorder = coverage.NewRecorder(
		coverage.ExcludeProcessKeys(cfg.Coverage.ExcludeProcessKeys...),
		coverage.WithLogger(logger),
	)
	app.Engine = process.NewProcessEngine(
		process.WithLogger(logger),
		process.WithListener(app.Recorder),
		process.WithProcessLock(lock),
		process.WithMaxSteps(cfg.Engine.MaxSteps),
		process.WithMaxCallDepth(cfg.Engine.MaxCallDepth),
		process.WithMaxLockTime(cfg.Lock.MaxLockTime),
	)

	if cfg.Coverage.DatabasePath != "" {
		repo, closeRepo, err := OpenCoverageRepo(cfg.Coverage.DatabasePath)
		if err != nil {
			return nil, multierr.Append(err, app.Close())
		}
		app.CoverageRepo = repo
		app.closers = append(app.closers, closeRepo)
	}
	return app, nil
}

// Deploy 部署流程定义, 同时登记到覆盖率统计里面
func (a *App) Deploy(defs ...*process.ProcessDefinition) error {
	if err := a.Engine.Deploy(defs...); err != nil {
		return err
	}
	a.Recorder.Track(defs...)
	return nil
}

// DeployDefinitionsDir 部署 engine.definitions_dir 下面的所有流程文件, 没有配置目录时什么都不做
func (a *App) DeployDefinitionsDir() error {
	dir := a.Config.Engine.DefinitionsDir
	if dir == "" {
		return nil
	}
	defs, err := process.LoadDefinitionDir(dir)
	if err != nil {
		return errors.WithMessagef(err, "load definitions from %s", dir)
	}
	return a.Deploy(defs...)
}

/**
 * @description: 保存本次覆盖率并返回 suite 的合并报告, 没有配置存储时返回本次的报告
 * @param ctx context.Context
 * @return *coverage.Report, error
 */
func (a *App) SaveCoverage(ctx context.Context) (*coverage.Report, error) {
	if a.CoverageRepo == nil {
		return a.Recorder.Report(), nil
	}
	suite := a.Config.Coverage.Suite
	if _, err := a.Recorder.Save(ctx, a.CoverageRepo, suite); err != nil {
		return nil, err
	}
	return coverage.LoadSuiteReport(ctx, a.CoverageRepo, suite)
}

// Close 释放 redis 连接和数据库连接
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

// NewProcessLock 按 lock.backend 创建锁, 返回的 close 函数释放锁用到的连接
func NewProcessLock(cfg config.LockConfig, logger *zap.Logger) (process.ProcessLock, func() error, error) {
	switch cfg.Backend {
	case config.LockBackendLocal, "":
		return process.NewLocalProcessLock(logger), func() error { return nil }, nil
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, multierr.Append(errors.Wrapf(err, "ping redis %s", cfg.Redis.Addr), client.Close())
		}
		return process.NewRedisProcessLock(client, logger), client.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// OpenCoverageRepo 打开 sqlite 数据库并建表
func OpenCoverageRepo(dsn string) (coverage.CoverageRepo, func() error, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open sqlite %s", dsn)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "get sql db")
	}
	// sqlite 只允许一个写连接, 内存库多个连接也会变成多个库
	sqlDB.SetMaxOpenConns(1)
	if err := coverage.AutoMigrate(db); err != nil {
		return nil, nil, multierr.Append(err, sqlDB.Close())
	}
	return coverage.NewCoverageRepo(db), sqlDB.Close, nil
}
