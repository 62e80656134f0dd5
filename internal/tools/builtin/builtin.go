// Package builtin provides drill tools that exercise the engine without
// touching the host: echo, sleep, fail and flaky.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// maxSleep bounds the sleep tool so a drill cannot park a worker for hours.
const maxSleep = 10 * time.Minute

// Register adds every built-in tool to reg.
func Register(reg *tools.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Descriptors returns fresh descriptors. Each call gets its own flaky counters.
func Descriptors() []tools.Descriptor {
	f := &flaky{seen: make(map[string]int)}
	return []tools.Descriptor{
		{
			Name:                 "echo",
			Category:             "builtin",
			Version:              "1.0.0",
			Description:          "Return the message unchanged",
			RiskLevel:            security.RiskLow,
			SupportsCompensation: true,
			Parameters: []tools.Param{
				{Name: "message", Type: tools.TypeString, Required: true},
			},
			Handler: tools.HandlerFunc(echo),
		},
		{
			Name:        "sleep",
			Category:    "builtin",
			Version:     "1.0.0",
			Description: "Wait for duration_ms milliseconds or until the deadline",
			RiskLevel:   security.RiskLow,
			Parameters: []tools.Param{
				{Name: "duration_ms", Type: tools.TypeInteger, Required: true},
			},
			Handler: tools.HandlerFunc(sleep),
		},
		{
			Name:        "fail",
			Category:    "builtin",
			Version:     "1.0.0",
			Description: "Always fail, transiently or permanently",
			RiskLevel:   security.RiskLow,
			Parameters: []tools.Param{
				{Name: "mode", Type: tools.TypeString, Required: true, Enum: []string{"transient", "permanent"}},
				{Name: "message", Type: tools.TypeString},
			},
			Handler: tools.HandlerFunc(fail),
		},
		{
			Name:        "flaky",
			Category:    "builtin",
			Version:     "1.0.0",
			Description: "Fail transiently the first n calls for a key, then succeed",
			RiskLevel:   security.RiskLow,
			Parameters: []tools.Param{
				{Name: "key", Type: tools.TypeString, Required: true},
				{Name: "failures", Type: tools.TypeInteger, Required: true},
			},
			Handler: tools.HandlerFunc(f.call),
		},
	}
}

func echo(_ context.Context, params map[string]any) (*tools.Result, error) {
	msg, _ := params["message"].(string)
	return &tools.Result{
		Output:   msg,
		Metadata: map[string]any{"length": len(msg)},
	}, nil
}

func sleep(ctx context.Context, params map[string]any) (*tools.Result, error) {
	ms, ok := Int(params["duration_ms"])
	if !ok || ms < 0 {
		return nil, tools.Permanent(fmt.Errorf("duration_ms must be a non-negative integer"))
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxSleep {
		return nil, tools.Permanent(fmt.Errorf("duration_ms %d exceeds %s", ms, maxSleep))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &tools.Result{Output: fmt.Sprintf("slept %s", d)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, params map[string]any) (*tools.Result, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "drill failure"
	}
	err := errors.New(msg)
	if params["mode"] == "transient" {
		return nil, tools.Transient(err)
	}
	return nil, tools.Permanent(err)
}

type flaky struct {
	mu   sync.Mutex
	seen map[string]int
}

func (f *flaky) call(_ context.Context, params map[string]any) (*tools.Result, error) {
	key, _ := params["key"].(string)
	failures, ok := Int(params["failures"])
	if !ok || failures < 0 {
		return nil, tools.Permanent(fmt.Errorf("failures must be a non-negative integer"))
	}

	f.mu.Lock()
	f.seen[key]++
	n := f.seen[key]
	f.mu.Unlock()

	if int64(n) <= failures {
		return nil, tools.Transient(fmt.Errorf("%s: call %d of %d scheduled to fail", key, n, failures))
	}
	return &tools.Result{
		Output:   fmt.Sprintf("%s succeeded on call %d", key, n),
		Metadata: map[string]any{"calls": n},
	}, nil
}

// Int reads an integer parameter as decoded from Go, YAML or JSON.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
