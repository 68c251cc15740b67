package coverage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type ElementKind = string

const (
	ElementKindNode ElementKind = "node"
	ElementKindFlow ElementKind = "flow"
)

// Element 流程里面的一个节点或者顺序流
type Element struct {
	ID      string      `json:"id"`
	Kind    ElementKind `json:"kind"`
	Covered bool        `json:"covered"`
}

// ProcessReport 单个流程的覆盖情况
type ProcessReport struct {
	ProcessKey   string         `json:"process_key"`
	Elements     []Element      `json:"elements"`
	Total        int            `json:"total"`
	Covered      int            `json:"covered"`
	Coverage     float64        `json:"coverage"`
	MissingNodes []string       `json:"missing_nodes"`
	MissingFlows []string       `json:"missing_flows"`
	Instances    int            `json:"instances"`
	FinishedAt   map[string]int `json:"finished_at"`
}

// Report 一个 suite 的覆盖率, 分母是所有流程的节点数加顺序流数
type Report struct {
	Processes []*ProcessReport `json:"processes"`
	Elements  int              `json:"elements"`
	Covered   int              `json:"covered"`
	Coverage  float64          `json:"coverage"`
}

func newProcessReport(processKey string, elements []Element) *ProcessReport {
	pr := &ProcessReport{
		ProcessKey:   processKey,
		Elements:     elements,
		Total:        len(elements),
		MissingNodes: make([]string, 0),
		MissingFlows: make([]string, 0),
	}
	for _, element := range elements {
		switch {
		case element.Covered:
			pr.Covered++
		case element.Kind == ElementKindNode:
			pr.MissingNodes = append(pr.MissingNodes, element.ID)
		default:
			pr.MissingFlows = append(pr.MissingFlows, element.ID)
		}
	}
	pr.Coverage = ratio(pr.Covered, pr.Total)
	return pr
}

func newReport(processes []*ProcessReport) *Report {
	report := &Report{Processes: processes}
	for _, pr := range processes {
		report.Elements += pr.Total
		report.Covered += pr.Covered
	}
	report.Coverage = ratio(report.Covered, report.Elements)
	return report
}

func ratio(covered, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(covered) / float64(total)
}

// Process 按 key 查找单个流程的报告
func (r *Report) Process(processKey string) (*ProcessReport, bool) {
	for _, pr := range r.Processes {
		if pr.ProcessKey == processKey {
			return pr, true
		}
	}
	return nil, false
}

// AssertAtLeast 覆盖率低于 min 返回 ErrCoverageBelowThreshold, 错误信息里面带上没有覆盖的元素
func (r *Report) AssertAtLeast(min float64) error {
	if r.Coverage >= min {
		return nil
	}
	missing := make([]string, 0)
	for _, pr := range r.Processes {
		for _, id := range pr.MissingNodes {
			missing = append(missing, pr.ProcessKey+"/"+id)
		}
		for _, id := range pr.MissingFlows {
			missing = append(missing, pr.ProcessKey+"/"+id)
		}
	}
	return errors.WithMessagef(ErrCoverageBelowThreshold, "coverage %.4f < %.4f, missing: %s",
		r.Coverage, min, strings.Join(missing, ", "))
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "suite coverage %.2f%% (%d/%d)\n", r.Coverage*100, r.Covered, r.Elements)
	for _, pr := range r.Processes {
		fmt.Fprintf(&b, "  %-24s %6.2f%% (%d/%d) instances=%d\n",
			pr.ProcessKey, pr.Coverage*100, pr.Covered, pr.Total, pr.Instances)
		if len(pr.MissingNodes) > 0 {
			fmt.Fprintf(&b, "    missing nodes: %s\n", strings.Join(pr.MissingNodes, ", "))
		}
		if len(pr.MissingFlows) > 0 {
			fmt.Fprintf(&b, "    missing flows: %s\n", strings.Join(pr.MissingFlows, ", "))
		}
	}
	return b.String()
}

/**
 * @description: 合并一个 suite 保存过的所有 run, 元素在任意一个 run 里面被覆盖就算覆盖
 * @param ctx context.Context
 * @param repo CoverageRepo
 * @param suite string
 * @return *Report, error suite 没有保存过返回空报告
 */
func LoadSuiteReport(ctx context.Context, repo CoverageRepo, suite string) (*Report, error) {
	noLimit := true
	runs, err := repo.QueryCoverageRuns(ctx, &QueryCoverageRunParams{
		Suite: &suite,
		Page:  &Pager{IsNoLimit: &noLimit},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadSuiteReport failed, suite: %s", suite)
	}
	if len(runs) == 0 {
		return newReport(make([]*ProcessReport, 0)), nil
	}
	runIDs := make([]int64, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}
	elements, err := repo.QueryCoverageElements(ctx, &QueryCoverageElementParams{RunIDIn: runIDs})
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadSuiteReport failed, suite: %s", suite)
	}

	type elementKey struct {
		id   string
		kind ElementKind
	}
	merged := make(map[string]map[elementKey]bool)
	order := make(map[string][]elementKey)
	for _, po := range elements {
		byKey, ok := merged[po.ProcessKey]
		if !ok {
			byKey = make(map[elementKey]bool)
			merged[po.ProcessKey] = byKey
		}
		key := elementKey{id: po.ElementID, kind: po.Kind}
		covered, seen := byKey[key]
		if !seen {
			order[po.ProcessKey] = append(order[po.ProcessKey], key)
		}
		byKey[key] = covered || po.Covered
	}

	processKeys := make([]string, 0, len(merged))
	for key := range merged {
		processKeys = append(processKeys, key)
	}
	sort.Strings(processKeys)
	processes := make([]*ProcessReport, 0, len(processKeys))
	for _, processKey := range processKeys {
		list := make([]Element, 0, len(order[processKey]))
		for _, key := range order[processKey] {
			list = append(list, Element{ID: key.id, Kind: key.kind, Covered: merged[processKey][key]})
		}
		processes = append(processes, newProcessReport(processKey, list))
	}
	return newReport(processes), nil
}
