package stats

import (
	"bytes"
	"fmt"
	"sort"
	"testing"
)

/*
Utilities for validating the stats registry contents from tests.
Add new checkers here as needed.
*/
type RuleChecker struct {
	name    string
	checker func(got, expected interface{}) bool
}

func nilCheck(a, b interface{}) (nilFound, eqValues bool) {
	if a == nil && b == nil {
		return true, true
	} else if a == nil || b == nil {
		return true, false
	}
	return false, false
}

/*
true if got (int64) == expected (int)
*/
func int64EqTest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	got, ok := a.(int64)
	return ok && got == int64(b.(int))
}

var Int64EqTest = RuleChecker{name: "Int64EqTest", checker: int64EqTest}

/*
true if got (int64) >= expected (int)
*/
func int64GTETest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	got, ok := a.(int64)
	return ok && got >= int64(b.(int))
}

var Int64GTETest = RuleChecker{name: "Int64GTETest", checker: int64GTETest}

/*
true if got (float64) == expected (float64)
*/
func floatEqTest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	got, ok := a.(float64)
	return ok && got == b.(float64)
}

var FloatEqTest = RuleChecker{name: "FloatEqTest", checker: floatEqTest}

func doesNotExistTest(a, b interface{}) bool {
	return a == nil
}

var DoesNotExistTest = RuleChecker{name: "DoesNotExistTest", checker: doesNotExistTest}

/*
A Rule pairs a checker with the expected value. Checkers are called as checker(got, expected).
*/
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

/*
StatsOk verifies that every key in contains satisfies its rule. The registry must be
a finagle registry (see NewFinagleStatsRegistry). Returns false and reports through
t.Error on any mismatch.
*/
func StatsOk(tag string, statsRegistry StatsRegistry, t testing.TB, contains map[string]Rule) bool {
	t.Helper()
	reg, ok := statsRegistry.(*finagleStatsRegistry)
	if !ok {
		t.Errorf("%s: stats registry is %T, expected a finagle registry", tag, statsRegistry)
		return false
	}
	all := reg.MarshalAll()

	keys := make([]string, 0, len(contains))
	for k := range contains {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var msg bytes.Buffer
	for _, key := range keys {
		rule := contains[key]
		got := all[key]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		if rule.Checker.name == DoesNotExistTest.name {
			fmt.Fprintf(&msg, "%s: found stat entry when there should not be one\n", key)
		} else {
			fmt.Fprintf(&msg, "%s: got %v, expected to pass %s with %v\n", key, got, rule.Checker.name, rule.Value)
		}
	}
	if msg.Len() == 0 {
		return true
	}
	pretty, _ := reg.MarshalJSONPretty()
	t.Errorf("%s: stats registry error:\n%s%s", tag, msg.String(), pretty)
	return false
}
