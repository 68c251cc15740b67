package process

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/copystructure"
)

// Variables 流程变量上下文, 每个流程实例独占一份
// 子流程(call activity)拿到的是父流程的快照, 子流程里面的修改不会回写到父流程
type Variables struct {
	data map[string]any
}

// NewVariables 从 map 创建变量上下文, map 和里面的值都会被深拷贝
func NewVariables(m map[string]any) *Variables {
	return &Variables{data: deepCopyMap(m)}
}

// NewVariablesFromBytes 从 JSON 字节创建变量上下文
func NewVariablesFromBytes(b []byte) (*Variables, error) {
	v := &Variables{data: make(map[string]any)}
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v.data); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if v.data == nil {
		// JSON null
		v.data = make(map[string]any)
	}
	return v, nil
}

// WithVariables 按 key, value, key, value... 的顺序构建变量 map
// 奇数个参数或者 key 不是字符串会 panic, 只用在初始化和测试代码里面
func WithVariables(keyValues ...any) map[string]any {
	if len(keyValues)%2 != 0 {
		panic("WithVariables: odd number of arguments")
	}
	ret := make(map[string]any, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			panic(fmt.Sprintf("WithVariables: key at %d is not a string", i))
		}
		ret[key] = keyValues[i+1]
	}
	return ret
}

// Get 获取变量, 不存在返回 false
func (v *Variables) Get(name string) (any, bool) {
	val, ok := v.data[name]
	return val, ok
}

// GetString 获取字符串变量
func (v *Variables) GetString(name string) (string, bool) {
	val, ok := v.Get(name)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 变量, 兼容 JSON 反序列化出来的 float64
func (v *Variables) GetInt64(name string) (int64, bool) {
	val, ok := v.Get(name)
	if !ok {
		return 0, false
	}
	switch n := val.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// GetFloat64 获取 float64 变量
func (v *Variables) GetFloat64(name string) (float64, bool) {
	val, ok := v.Get(name)
	if !ok {
		return 0, false
	}
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// GetBool 获取布尔变量
func (v *Variables) GetBool(name string) (bool, bool) {
	val, ok := v.Get(name)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置变量, 覆盖旧值
func (v *Variables) Set(name string, value any) {
	v.data[name] = value
}

// Delete 删除变量
func (v *Variables) Delete(name string) {
	delete(v.data, name)
}

// Merge 合并变量, 相同 key 后写的覆盖, 合并进来的值是深拷贝
func (v *Variables) Merge(m map[string]any) {
	for k, val := range m {
		v.data[k] = deepCopyValue(val)
	}
}

// Len 变量个数
func (v *Variables) Len() int {
	return len(v.data)
}

// Snapshot 深拷贝, 修改快照不会影响原来的变量
func (v *Variables) Snapshot() *Variables {
	return &Variables{data: deepCopyMap(v.data)}
}

// ToMap 返回变量的深拷贝
func (v *Variables) ToMap() map[string]any {
	return deepCopyMap(v.data)
}

// ToBytes 转换为 JSON 字节
func (v *Variables) ToBytes() ([]byte, error) {
	return json.Marshal(v.data)
}

// Unmarshal 将变量反序列化到指定结构体
func (v *Variables) Unmarshal(out any) error {
	b, err := v.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// restore 用快照覆盖当前变量, 只给引擎回滚使用
func (v *Variables) restore(snapshot *Variables) {
	v.data = snapshot.data
}

func deepCopyMap(m map[string]any) map[string]any {
	ret := make(map[string]any, len(m))
	for k, val := range m {
		ret[k] = deepCopyValue(val)
	}
	return ret
}

// deepCopyValue 按反射深拷贝, 切片, map, 指针和结构体都会复制
// chan, func 这类拷贝不了的值保留原来的引用
func deepCopyValue(val any) any {
	if val == nil {
		return nil
	}
	copied, err := copystructure.Copy(val)
	if err != nil {
		return val
	}
	return copied
}
