package matchexpr

import (
	"errors"
	"sync"
	"testing"

	"github.com/loykin/recfleet/internal/target"
)

func demoRef() target.ServiceRef {
	return target.ServiceRef{
		ConnectURI: "service:jmx:rmi:///jndi/rmi://demo:9091/jmxrmi",
		Alias:      "demo.Main",
		Annotations: map[string]string{
			"host":     "demo",
			"port":     "9091",
			"javaMain": "demo.Main",
		},
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"==",
		"target.alias ==",
		"target.alias",
		"alias == \"x\"",
		"target.bogus == \"x\"",
		"target.alias == \"x\" &&",
		"target.alias = \"x\"",
		"(target.alias == \"x\"",
		"target.alias == \"unterminated",
	}
	for _, src := range cases {
		_, err := Compile(src)
		if err == nil {
			t.Fatalf("expected compile of %q to fail", src)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("expected *ParseError for %q, got %T", src, err)
		}
	}
}

func TestCompileAndMatch(t *testing.T) {
	ref := demoRef()
	cases := []struct {
		src  string
		want bool
	}{
		{`target.alias == "demo.Main"`, true},
		{`target.alias == "other"`, false},
		{`target.alias != "other"`, true},
		{`target.connectUrl != ""`, true},
		{`target.annotations.host == "demo"`, true},
		{`target.annotations.port == 9091`, true},
		{`target.annotations.port == "9091"`, true},
		{`target.annotations.missing == "x"`, false},
		{`target.annotations.missing != "x"`, true},
		{`target.alias == "demo.Main" && target.annotations.host == "demo"`, true},
		{`target.alias == "other" || target.annotations.host == "demo"`, true},
		{`!(target.alias == "other")`, true},
		{`target.alias == "other" && target.annotations.host == "demo"`, false},
	}
	for _, tc := range cases {
		expr, err := Compile(tc.src)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.src, err)
		}
		got, err := expr.Matches(ref)
		if err != nil {
			t.Fatalf("match %q: %v", tc.src, err)
		}
		if got != tc.want {
			t.Fatalf("match %q = %v, want %v", tc.src, got, tc.want)
		}
	}
}

// Absent annotation values compare equal only to other absent values, so
// rules can test for key presence with != against any literal.
func TestAbsentAnnotationSemantics(t *testing.T) {
	ref := target.ServiceRef{ConnectURI: "u", Alias: "a"}
	expr, err := Compile(`target.annotations.x == target.annotations.y`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := expr.Matches(ref)
	if err != nil || !ok {
		t.Fatalf("absent == absent: got %v, %v", ok, err)
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	expr, err := Compile(`target.alias == "demo.Main" && target.annotations.port == 9091`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ref := demoRef()
	for i := 0; i < 100; i++ {
		ok, err := expr.Matches(ref)
		if err != nil || !ok {
			t.Fatalf("iteration %d: got %v, %v", i, ok, err)
		}
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	expr, err := Compile(`target.annotations.host == "demo" || target.alias != "x"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ref := demoRef()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if ok, err := expr.Matches(ref); err != nil || !ok {
					t.Errorf("concurrent match: got %v, %v", ok, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
