package flow

import (
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// anonymousFunc matches the synthetic name segments the runtime assigns to
// function literals, e.g. "func1" or "func2.1".
var anonymousFunc = regexp.MustCompile(`^func\d+(\.\d+)*$`)

// callableName recovers the short name of a named function value, e.g.
// "isGoldCustomer" for mypkg.isGoldCustomer. It returns "" for nil values,
// function literals, and anything else without a stable name. The result is
// deterministic for a given binary, which keeps diagram output stable.
func callableName(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	// Method values carry a "-fm" suffix.
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || anonymousFunc.MatchString(name) {
		return ""
	}
	return name
}
