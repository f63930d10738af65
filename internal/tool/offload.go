package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// offloadThreshold is the output length above which ON_THRESHOLD tools get
// their output replaced by a head-tail summary plus an artifacts path.
const offloadThreshold = 4000
const offloadHeadChars = 1500
const offloadTailChars = 1500

// applyOffload post-processes a tool's raw output per its declared
// strategy (spec §4.6 step 4). ReadTool-strategy output passes through
// unchanged; everything else above the threshold is truncated with the
// full text written to artifactsDir.
func applyOffload(strategy OffloadStrategy, sessionID, callID, output string, artifactsDir string) (string, error) {
	if strategy == OffloadReadTool || len(output) <= offloadThreshold {
		return output, nil
	}

	head := output[:offloadHeadChars]
	tail := output[len(output)-offloadTailChars:]

	sum := sha256.Sum256([]byte(output))
	fileName := hex.EncodeToString(sum[:8]) + ".txt"

	sessionDir := filepath.Join(artifactsDir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("offload: mkdir: %w", err)
	}
	fullPath := filepath.Join(sessionDir, fileName)
	if err := os.WriteFile(fullPath, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("offload: write: %w", err)
	}

	return fmt.Sprintf(
		"%s\n\n... [output truncated, %d bytes omitted] ...\n\n%s\n\n(full output saved to %s)",
		head, len(output)-offloadHeadChars-offloadTailChars, tail, fullPath,
	), nil
}
