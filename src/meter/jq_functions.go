package meter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	lhm "github.com/xboshy/linkedhashmap"
)

const regexCacheCapacity = 10000

type regexCacheFunctions struct{}

func (mf *regexCacheFunctions) ExpiredHandler(key *string, value **regexp.Regexp) {}

// CapacityRule keeps the capacity fixed, the oldest expressions are evicted.
func (mf *regexCacheFunctions) CapacityRule(curcapacity uint64, curlen uint64, head **regexp.Regexp, tail **regexp.Regexp) uint64 {
	return curcapacity
}

type regexCache struct {
	regex *lhm.Map[string, *regexp.Regexp]
	mutex sync.Mutex
}

var regexCacheMF lhm.MapFunctions[string, *regexp.Regexp] = &regexCacheFunctions{}

var regexes = &regexCache{
	regex: lhm.New(regexCacheCapacity, regexCacheMF),
}

func compileRegexp(re string) (*regexp.Regexp, error) {
	// jq uses the (?<name>) group syntax
	re = strings.ReplaceAll(re, "(?<", "(?P<")
	r, err := regexp.Compile(re)
	if err != nil {
		return nil, fmt.Errorf("compiled_test: invalid regular expression %q: %w", re, err)
	}
	return r, nil
}

func (cache *regexCache) get(re string) (*regexp.Regexp, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cre := cache.regex.Get(re); cre != nil {
		return *cre, nil
	}
	r, err := compileRegexp(re)
	if err != nil {
		return nil, err
	}
	cache.regex.Push(re, r)
	return r, nil
}

func compiledTest(in any, args []any) any {
	s, ok := in.(string)
	if !ok {
		return fmt.Errorf("compiled_test: input is not a string %q", in)
	}
	re, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("compiled_test: regex is not a string %q", args[0])
	}

	r, err := regexes.get(re)
	if err != nil {
		return err
	}
	return r.MatchString(s)
}

// withCompiledTest adds compiled_test($re), a test/1 that keeps compiled expressions
// across messages.
func withCompiledTest() gojq.CompilerOption {
	return gojq.WithFunction("compiled_test", 1, 1, compiledTest)
}

func compileJQ(src string, options ...gojq.CompilerOption) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query, options...)
}
