package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StepContext is the mutable bag a saga's steps share. Values survive
// crashes: they are serialized into the saga record on every cursor advance,
// so anything a compensation needs must live here, not in closures.
type StepContext struct {
	SagaID    string
	Kind      string
	SubjectID string

	mu     sync.Mutex
	values map[string]any
}

func NewStepContext(sagaID, kind, subjectID string, values map[string]any) *StepContext {
	if values == nil {
		values = make(map[string]any)
	}
	return &StepContext{SagaID: sagaID, Kind: kind, SubjectID: subjectID, values: values}
}

// Get returns a shared value by key.
func (sc *StepContext) Get(key string) (any, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.values[key]
	return v, ok
}

// GetString returns a shared string value, or "" when absent.
func (sc *StepContext) GetString(key string) string {
	v, _ := sc.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores a shared value for later steps and compensations.
func (sc *StepContext) Set(key string, value any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.values[key] = value
}

// IdempotencyKey derives the stable per-step key backends use to deduplicate
// a retried or resumed write.
func (sc *StepContext) IdempotencyKey(stepName string) string {
	return fmt.Sprintf("%s:%s", sc.SagaID, stepName)
}

func (sc *StepContext) marshalValues() (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	raw, err := json.Marshal(sc.values)
	if err != nil {
		return "", fmt.Errorf("failed to marshal saga context: %w", err)
	}
	return string(raw), nil
}

func unmarshalValues(raw string) (map[string]any, error) {
	values := make(map[string]any)
	if raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga context: %w", err)
	}
	return values, nil
}

// StepFunc is one forward action or compensation. It must be idempotent
// under the step's idempotency key: recovery may run it again after a crash
// that hit between the action and the cursor write.
type StepFunc func(ctx context.Context, sc *StepContext) error

// StepDef pairs a forward action with its compensation. A nil Compensate
// marks a step with no external effect to undo.
type StepDef struct {
	Name       string
	Run        StepFunc
	Compensate StepFunc
}

// Definition is an ordered step list for one operation kind.
type Definition struct {
	Kind  string
	Steps []StepDef
}

// Registry maps operation kinds to their definitions. Registration happens
// at startup; lookups are concurrent.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Kind] = def
}

func (r *Registry) Get(kind string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[kind]
	return def, ok
}

// stepState is the persisted per-step progress inside SagaRecord.StepsJSON.
type stepState struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func marshalSteps(steps []stepState) (string, error) {
	raw, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal step states: %w", err)
	}
	return string(raw), nil
}

func unmarshalSteps(raw string) ([]stepState, error) {
	if raw == "" {
		return nil, nil
	}
	var steps []stepState
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step states: %w", err)
	}
	return steps, nil
}
