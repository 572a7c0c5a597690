package template

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellTimeout bounds how long a `{% CMD %}` substitution is allowed to
// run. It is deliberately short: this runs once per task during template
// expansion, on the executor's critical path (spec §4.9, §4.7).
var ShellTimeout = 10 * time.Second

// expandShell runs cmd through /bin/sh -c after substituting every bare
// "@" with x, and splices the trimmed stdout into the template (spec
// §4.9: "{% CMD %} → run CMD via /bin/sh -c, substituting @ with x;
// splice the trimmed stdout").
func expandShell(cmd, x string) (string, error) {
	substituted := strings.ReplaceAll(cmd, "@", shellQuote(x))

	ctx, cancel := context.WithTimeout(context.Background(), ShellTimeout)
	defer cancel()

	c := exec.CommandContext(ctx, "/bin/sh", "-c", substituted)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return "", fmt.Errorf("%w: {%% %s %%}: %v: %s", ErrTemplate, cmd, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-portable way, so substituting arbitrary argument text into a
// shell command line can never break out of its quoting.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
