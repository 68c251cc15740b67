package process

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ParseDefinitionYAML 从 yaml/json 字节解析流程定义
func ParseDefinitionYAML(data []byte) (*ProcessDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.WithMessage(ErrMalformedDefinition, "definition payload is empty")
	}
	config := &ProcessConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WithMessagef(ErrMalformedDefinition, "decode definition: %v", err)
	}
	return NewProcessDefinition(config)
}

// LoadDefinitionReader 从 io.Reader 读取 yaml/json 流程定义
func LoadDefinitionReader(r io.Reader) (*ProcessDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read definition")
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile 按扩展名加载文件, .bpmn/.xml 走 BPMN 解析, 其他按 yaml/json 处理
// 一个 .bpmn 文件里面可以有多个流程
func LoadDefinitionFile(path string) ([]*ProcessDefinition, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bpmn", ".xml":
		return LoadBPMNFile(path)
	default:
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		def, err := ParseDefinitionYAML(content)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", path)
		}
		return []*ProcessDefinition{def}, nil
	}
}

// LoadBPMNFile 加载 BPMN xml 文件, 不看扩展名
func LoadBPMNFile(path string) ([]*ProcessDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	defs, err := ParseBPMN(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", path)
	}
	return defs, nil
}

// LoadDefinitionDir 加载目录下所有 .bpmn/.xml/.yaml/.yml/.json 文件, 按文件名排序
// 单个文件失败不影响其他文件, 错误合并后返回
func LoadDefinitionDir(dir string) ([]*ProcessDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".bpmn", ".xml", ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	ret := make([]*ProcessDefinition, 0, len(names))
	var errs error
	for _, name := range names {
		defs, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ret = append(ret, defs...)
	}
	return ret, errs
}
