package env

import (
	"strings"
	"testing"
)

func lookup(t *testing.T, pairs []string, key string) string {
	t.Helper()
	for _, kv := range pairs {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	t.Fatalf("key %q missing from %v", key, pairs)
	return ""
}

func TestMerge_Precedence(t *testing.T) {
	e := New()
	e.env = Var{"PATH": "/usr/bin", "JAVA_HOME": "/opt/java8"}
	e.Set("JAVA_HOME", "/opt/java17")
	e.Set("FLEET", "main")

	out := e.Merge(Var{"JAVA_HOME": "/opt/java21", "SERVER": "lobby"})

	if got := lookup(t, out, "JAVA_HOME"); got != "/opt/java21" {
		t.Fatalf("per-server override lost: %q", got)
	}
	if got := lookup(t, out, "FLEET"); got != "main" {
		t.Fatalf("fleet-wide var lost: %q", got)
	}
	if got := lookup(t, out, "PATH"); got != "/usr/bin" {
		t.Fatalf("base var lost: %q", got)
	}
	if got := lookup(t, out, "SERVER"); got != "lobby" {
		t.Fatalf("per-server var lost: %q", got)
	}
}

func TestMerge_Expansion(t *testing.T) {
	e := New()
	e.env = Var{"BASE": "/srv"}
	out := e.Merge(Var{"WORLD_DIR": "${BASE}/worlds"})
	if got := lookup(t, out, "WORLD_DIR"); got != "/srv/worlds" {
		t.Fatalf("expansion failed: %q", got)
	}
}

func TestMerge_SkipsEmptyKeys(t *testing.T) {
	e := New()
	e.env = Var{}
	out := e.Merge(Var{"": "zap", "OK": "1"})
	for _, kv := range out {
		if strings.HasPrefix(kv, "=") {
			t.Fatalf("empty key leaked: %q", kv)
		}
	}
	if got := lookup(t, out, "OK"); got != "1" {
		t.Fatalf("valid key dropped")
	}
}

// FuzzMerge fuzzes Merge/expand with random inputs to ensure no panics
// and basic invariants around ${VAR} expansion.
func FuzzMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		e := New()
		e.env = Var{}
		for _, kv := range splitNZ(string(globalB)) {
			if i := strings.IndexByte(kv, '='); i > 0 {
				e.Set(kv[:i], kv[i+1:])
			}
		}
		per := make(Var)
		for _, kv := range splitNZ(string(perB)) {
			if i := strings.IndexByte(kv, '='); i > 0 {
				per[kv[:i]] = kv[i+1:]
			}
		}
		out := e.Merge(per)
		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
