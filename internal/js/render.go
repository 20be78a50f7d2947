package js

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dop251/goja"
)

// maxRenderNodes bounds how many values one result may expand to. An object
// graph that shares children can describe far more nodes than it allocates.
const maxRenderNodes = 100_000

const maxRenderDepth = 32

var errRenderTooLarge = errors.New("returned value is too large to render")

// renderer converts returned values to text, objects as JSON. Getters run
// as script code, so rendering happens while the interrupt is armed.
type renderer struct {
	ctx   context.Context
	nodes int
	path  map[*goja.Object]bool
}

func newRenderer(ctx context.Context) *renderer {
	return &renderer{ctx: ctx, path: map[*goja.Object]bool{}}
}

func (r *renderer) render(v goja.Value) (text string, err error) {
	// Getters that throw or are interrupted panic out of Object.Get
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rendering returned value: %v", rec)
		}
	}()

	obj, ok := v.(*goja.Object)
	if !ok {
		switch exported := v.Export().(type) {
		case nil:
			return "null", nil
		case string:
			return exported, nil
		default:
			return fmt.Sprint(exported), nil
		}
	}

	val, err := r.toGo(obj, 0)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return obj.String(), nil
	}
	return string(data), nil
}

func (r *renderer) toGo(v goja.Value, depth int) (any, error) {
	r.nodes++
	if r.nodes > maxRenderNodes {
		return nil, errRenderTooLarge
	}
	if r.nodes%1024 == 0 {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return v.Export(), nil
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return nil, nil
	}
	if r.path[obj] {
		return "<cycle>", nil
	}

	switch obj.ClassName() {
	case "Array":
		if depth >= maxRenderDepth {
			return "<array>", nil
		}
		r.path[obj] = true
		defer delete(r.path, obj)

		n := obj.Get("length").ToInteger()
		var arr []any
		for i := int64(0); i < n; i++ {
			item, err := r.toGo(obj.Get(strconv.FormatInt(i, 10)), depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		if arr == nil {
			arr = []any{}
		}
		return arr, nil
	case "Object":
		if depth >= maxRenderDepth {
			return "<object>", nil
		}
		r.path[obj] = true
		defer delete(r.path, obj)

		out := make(map[string]any)
		for _, key := range obj.Keys() {
			item := obj.Get(key)
			if item == nil || goja.IsUndefined(item) {
				continue
			}
			if _, isFunc := goja.AssertFunction(item); isFunc {
				continue
			}
			val, err := r.toGo(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		// Dates, regular expressions and errors use their exported form
		return obj.Export(), nil
	}
}
