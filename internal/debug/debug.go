// Package debug provides build-tag gated tracing for the allocator,
// generalizing the teacher's scattered "if trace { fmt.Fprintf(os.Stderr,
// ...) }" blocks (_examples/cznic-memory/memory.go) into one shared
// helper, in the style of _examples/flier-goutil/internal/debug.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/akhin/metamalloc-sub000/internal/tlocal"
)

// Enabled is true only in builds compiled with the debug tag.
const Enabled = enabled

// Log prints a trace line to stderr when Enabled. operation names the
// call (e.g. "Allocate"), format/args describe it.
func Log(operation, format string, args ...any) {
	if !Enabled {
		return
	}
	logImpl(operation, format, args...)
}

func logImpl(operation, format string, args ...any) {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Base(file)

	var buf strings.Builder
	fmt.Fprintf(&buf, "[g%d] %s:%d %s: ", tlocal.GoroutineID(), file, line, operation)
	fmt.Fprintf(&buf, format, args...)
	buf.WriteByte('\n')
	_, _ = os.Stderr.WriteString(buf.String())
}
