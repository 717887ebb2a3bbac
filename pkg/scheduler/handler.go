package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// handler holds a registered scheduler function.
type handler struct {
	fn       reflect.Value
	argsType reflect.Type
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// newHandler wraps a function with signature func(ctx context.Context, args T) error.
func newHandler(fn any) (*handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}
	if fnType.NumIn() != 2 || !fnType.In(0).Implements(ctxType) {
		return nil, fmt.Errorf("handler must have signature func(ctx context.Context, args T) error")
	}
	if fnType.NumOut() != 1 || !fnType.Out(0).Implements(errType) {
		return nil, fmt.Errorf("handler must return error")
	}

	return &handler{fn: fnVal, argsType: fnType.In(1)}, nil
}

// execute unmarshals the persisted args and calls the function.
func (h *handler) execute(ctx context.Context, argsJSON []byte) error {
	argVal := reflect.New(h.argsType)
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, argVal.Interface()); err != nil {
			return fmt.Errorf("failed to unmarshal task args: %w", err)
		}
	}

	results := h.fn.Call([]reflect.Value{reflect.ValueOf(ctx), argVal.Elem()})
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
