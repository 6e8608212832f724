// Package settings 提供运行时可调的开关与数值（自动交易、反手、加仓、风险比例等）。
// 文件由 viper 监听热更新，每次重载都经过 JSON Schema 校验，不合法的内容直接拒绝。
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"intraday/internal/logger"
	"intraday/internal/pkg/convert"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	AutoTrading      = "auto_trading_enabled"
	ReverseEnabled   = "reverse_enabled"
	AllowScaling     = "allow_scaling"
	RiskPct          = "risk_pct"
	ConflictPolicy   = "conflict_policy"
	MaxOpenPositions = "max_open_positions"
	MaxExposurePct   = "max_exposure_pct"
)

// conflict_policy 取值。
const (
	PolicyInstrument = 0
	PolicyAccount    = 1
)

const schemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "auto_trading_enabled": {"type": "boolean"},
    "reverse_enabled": {"type": "boolean"},
    "allow_scaling": {"type": "boolean"},
    "risk_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 10},
    "conflict_policy": {"type": "number", "enum": [0, 1]},
    "max_open_positions": {"type": "number", "minimum": 0},
    "max_exposure_pct": {"type": "number", "minimum": 0}
  }
}`

// Defaults 返回默认设置；自动交易默认关闭。
func Defaults() map[string]any {
	return map[string]any{
		AutoTrading:      false,
		ReverseEnabled:   false,
		AllowScaling:     false,
		RiskPct:          0.5,
		ConflictPolicy:   float64(PolicyInstrument),
		MaxOpenPositions: float64(3),
		MaxExposurePct:   float64(300),
	}
}

// ChangeListener 在设置变更（本地写入或文件重载）后被调用。
type ChangeListener func(values map[string]any)

// Store 是线程安全的设置表。
type Store struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	values    map[string]any
	version   int64
	updatedAt time.Time
	listeners []ChangeListener

	writeMu  sync.Mutex
	rejected atomic.Uint64
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("settings.json")
}

// NewMemory 创建不落盘的设置表，seed 覆盖默认值。
func NewMemory(seed map[string]any) (*Store, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	s := &Store{schema: schema}
	merged, err := s.merge(Defaults(), seed)
	if err != nil {
		return nil, err
	}
	s.values = merged
	s.version = 1
	s.updatedAt = time.Now()
	return s, nil
}

// Open 读取 path 并监听热更新。文件不存在时用 seed 创建一次，之后以文件为准。
func Open(path string, seed map[string]any) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings: path required")
	}
	s, err := NewMemory(seed)
	if err != nil {
		return nil, err
	}
	s.path = path
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := s.persist(s.Values()); err != nil {
			return nil, err
		}
		logger.Infof("settings: seeded %s", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings failed: %w", err)
	}
	s.v = v
	if err := s.apply(v.AllSettings()); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := s.apply(v.AllSettings()); err != nil {
			logger.Errorf("settings reload rejected (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("settings reloaded from %s", filepath.Base(evt.Name))
	})
	v.WatchConfig()
	return s, nil
}

// Reload 立即重新读取文件。viper 实例只在监听协程里使用，这里直接解析 YAML。
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read settings failed: %w", err)
	}
	values := make(map[string]any)
	if err := yaml.Unmarshal(raw, &values); err != nil {
		s.rejected.Add(1)
		return fmt.Errorf("parse settings failed: %w", err)
	}
	return s.apply(values)
}

func (s *Store) apply(raw map[string]any) error {
	merged, err := s.merge(Defaults(), raw)
	if err != nil {
		s.rejected.Add(1)
		return err
	}
	s.mu.Lock()
	changed := !equalValues(s.values, merged)
	s.values = merged
	if changed {
		s.version++
		s.updatedAt = time.Now()
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// merge 把 over 叠加到 base，数值统一为 float64，并做 schema 校验。
func (s *Store) merge(base, over map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[strings.ToLower(strings.TrimSpace(k))] = normalizeValue(v)
	}
	if err := s.schema.Validate(out); err != nil {
		return nil, fmt.Errorf("settings invalid: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	if f, ok := convert.Number(v); ok {
		return f
	}
	return v
}

func equalValues(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (s *Store) GetBool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, _ := s.values[name].(bool)
	return b
}

func (s *Store) GetNumber(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return convert.ToFloat64(s.values[name])
}

func (s *Store) SetBool(name string, value bool) error {
	return s.set(name, value)
}

func (s *Store) SetNumber(name string, value float64) error {
	return s.set(name, value)
}

// Set 写入任意类型的值，是否接受由 schema 决定（供 HTTP 使用）。
func (s *Store) Set(name string, value any) error {
	return s.set(name, normalizeValue(value))
}

func (s *Store) set(name string, value any) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.merge(s.Values(), map[string]any{name: value})
	if err != nil {
		s.rejected.Add(1)
		return err
	}
	if s.path != "" {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.values = next
	s.version++
	s.updatedAt = time.Now()
	s.mu.Unlock()
	logger.Info("setting changed", "name", name, "value", value)
	s.notify()
	return nil
}

func (s *Store) persist(values map[string]any) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// Values 返回当前设置的副本。
func (s *Store) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Names 返回全部设置名，已排序。
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Rejected 统计被 schema 拒绝的写入与重载次数。
func (s *Store) Rejected() uint64 { return s.rejected.Load() }

// Subscribe 注册变更监听器。
func (s *Store) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.RUnlock()
	values := s.Values()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("settings listener panic: %v", r)
				}
			}()
			fn(values)
		}()
	}
}
