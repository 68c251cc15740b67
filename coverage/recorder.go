package coverage

import (
	"context"
	"sort"
	"sync"

	"github.com/blingmoon/simple-bpmn/process"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrCoverageBelowThreshold = errors.New("coverage below threshold")

type RecorderOption func(*Recorder)

// ExcludeProcessKeys 不参与统计的流程, 例如只用来被调用的子流程
func ExcludeProcessKeys(keys ...string) RecorderOption {
	return func(r *Recorder) {
		for _, key := range keys {
			r.excluded[key] = struct{}{}
		}
	}
}

func WithLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Recorder 统计一组测试(suite)里面所有流程实例走过的节点和顺序流
// 作为 process.Listener 注册到引擎上, 多个实例的结果合并计算
type Recorder struct {
	mu        sync.Mutex
	excluded  map[string]struct{}
	processes map[string]*processCoverage
	logger    *zap.Logger
}

type processCoverage struct {
	definition   *process.ProcessDefinition
	visitedNodes map[string]struct{}
	takenFlows   map[string]struct{}
	instances    int
	finished     map[string]int // 结束事件 -> 次数
}

var _ process.Listener = (*Recorder)(nil)

func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		excluded:  make(map[string]struct{}),
		processes: make(map[string]*processCoverage),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track 提前登记流程定义, 没有启动过的流程覆盖率按 0 计算
func (r *Recorder) Track(defs ...*process.ProcessDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		r.coverageOf(def)
	}
}

func (r *Recorder) OnInstanceStarted(instance *process.ProcessInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc := r.coverageOf(instance.Definition); pc != nil {
		pc.instances++
	}
}

func (r *Recorder) OnElementVisited(instance *process.ProcessInstance, node *process.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc := r.coverageOf(instance.Definition); pc != nil {
		pc.visitedNodes[node.ID] = struct{}{}
	}
}

func (r *Recorder) OnFlowTaken(instance *process.ProcessInstance, flow *process.SequenceFlow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc := r.coverageOf(instance.Definition); pc != nil {
		pc.takenFlows[flow.ID] = struct{}{}
	}
}

func (r *Recorder) OnInstanceFinished(instance *process.ProcessInstance, endEvent *process.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc := r.coverageOf(instance.Definition); pc != nil {
		pc.finished[endEvent.ID]++
	}
}

// coverageOf 调用方持有锁, 排除的流程返回 nil
func (r *Recorder) coverageOf(def *process.ProcessDefinition) *processCoverage {
	if def == nil {
		return nil
	}
	if _, ok := r.excluded[def.ID]; ok {
		return nil
	}
	pc, ok := r.processes[def.ID]
	if !ok {
		pc = &processCoverage{
			definition:   def,
			visitedNodes: make(map[string]struct{}),
			takenFlows:   make(map[string]struct{}),
			finished:     make(map[string]int),
		}
		r.processes[def.ID] = pc
	}
	return pc
}

// Report 当前的覆盖率报告
func (r *Recorder) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.processes))
	for key := range r.processes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	processes := make([]*ProcessReport, 0, len(keys))
	for _, key := range keys {
		pc := r.processes[key]
		elements := make([]Element, 0, pc.definition.ElementsCount())
		for _, node := range pc.definition.Nodes {
			_, covered := pc.visitedNodes[node.ID]
			elements = append(elements, Element{ID: node.ID, Kind: ElementKindNode, Covered: covered})
		}
		for _, flow := range pc.definition.Flows {
			_, covered := pc.takenFlows[flow.ID]
			elements = append(elements, Element{ID: flow.ID, Kind: ElementKindFlow, Covered: covered})
		}
		pr := newProcessReport(key, elements)
		pr.Instances = pc.instances
		pr.FinishedAt = make(map[string]int, len(pc.finished))
		for endID, count := range pc.finished {
			pr.FinishedAt[endID] = count
		}
		processes = append(processes, pr)
	}
	return newReport(processes)
}

// SuiteCoverage 所有流程合并计算的覆盖率
func (r *Recorder) SuiteCoverage() float64 {
	return r.Report().Coverage
}

// AssertCoverageAtLeast 覆盖率低于 min 返回 ErrCoverageBelowThreshold
func (r *Recorder) AssertCoverageAtLeast(min float64) error {
	return r.Report().AssertAtLeast(min)
}

// Reset 清空统计结果, 排除的流程保留
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes = make(map[string]*processCoverage)
}

/**
 * @description: 保存本次统计结果, 一次保存是一个 run, 同一个 suite 可以保存多次
 * @param ctx context.Context
 * @param repo CoverageRepo
 * @param suite string 测试组名字
 * @return *CoverageRunPo, error
 */
func (r *Recorder) Save(ctx context.Context, repo CoverageRepo, suite string) (*CoverageRunPo, error) {
	if suite == "" {
		return nil, errors.New("suite is empty")
	}
	report := r.Report()
	var run *CoverageRunPo
	err := repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		run, err = repo.CreateCoverageRun(ctx, &CoverageRunPo{
			Suite:    suite,
			Elements: int64(report.Elements),
			Covered:  int64(report.Covered),
			Coverage: report.Coverage,
		})
		if err != nil {
			return err
		}
		pos := make([]*CoverageElementPo, 0, report.Elements)
		for _, pr := range report.Processes {
			for _, element := range pr.Elements {
				pos = append(pos, &CoverageElementPo{
					RunID:      run.ID,
					ProcessKey: pr.ProcessKey,
					ElementID:  element.ID,
					Kind:       element.Kind,
					Covered:    element.Covered,
				})
			}
		}
		return repo.CreateCoverageElements(ctx, pos)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "save coverage run failed, suite: %s", suite)
	}
	r.logger.Info("coverage run saved",
		zap.String("suite", suite),
		zap.Int64("run_id", run.ID),
		zap.Float64("coverage", report.Coverage))
	return run, nil
}
