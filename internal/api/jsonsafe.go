package api

import (
	"math"

	"github.com/gin-gonic/gin"
)

// Sanitize walks a response value and replaces non-finite floats with nil so
// the JSON encoder never emits NaN or Infinity.
func Sanitize(v interface{}) interface{} {
	switch x := v.(type) {
	case gin.H:
		out := make(gin.H, len(x))
		for k, vv := range x {
			out[k] = Sanitize(vv)
		}
		return out
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case *float64:
		if x == nil {
			return nil
		}
		return Sanitize(*x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, vv := range x {
			out[k] = Sanitize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, vv := range x {
			out[i] = Sanitize(vv)
		}
		return out
	default:
		return v
	}
}
