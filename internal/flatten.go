package internal

import "strconv"

// Flatten collapses a decoded JSON object into dotted keys so that rule
// expressions can address nested payload fields directly:
// {"installation": {"account": {"login": "acme"}}} yields
// {"installation.account.login": "acme"}.
// Arrays are kept whole under their own key, and each element is also
// reachable as key.N.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if len(typed) == 0 {
			out[path] = typed
			return
		}
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		for i, child := range typed {
			flattenInto(out, path+"."+strconv.Itoa(i), child)
		}
	default:
		out[path] = value
	}
}
