package capture

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// scriptTimeout bounds hook script execution so a hung script cannot
// stall a capture slot.
const scriptTimeout = 2 * time.Minute

// execScript runs an external hook script and waits for it to finish.
func execScript(script string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %s: %w: %s", script, err, string(out))
	}
	return nil
}
