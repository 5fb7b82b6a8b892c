package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// FuzzServerConfigTOML feeds random-ish fields into a tiny TOML and
// ensures the loader does not panic and handles constraints reasonably.
func FuzzServerConfigTOML(f *testing.F) {
	f.Add("lobby", "paper", "paper.jar", 2048, "30s")
	f.Add("", "velocity", "", -1, "not a duration")

	f.Fuzz(func(t *testing.T, id, typ, jar string, heap int, shutdown string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\n", "")
			return strings.ReplaceAll(s, "\\", "")
		}
		b := strings.Builder{}
		b.WriteString("[[servers]]\n")
		b.WriteString("id = \"" + clean(id) + "\"\n")
		b.WriteString("type = \"" + clean(typ) + "\"\n")
		b.WriteString("shutdown_timeout = \"" + clean(shutdown) + "\"\n")
		b.WriteString("[servers.launch]\n")
		b.WriteString("jar_file = \"" + clean(jar) + "\"\n")
		b.WriteString("max_heap_mb = " + strconv.Itoa(heap) + "\n")

		path := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		_, _ = Load(path) // must not panic
	})
}
