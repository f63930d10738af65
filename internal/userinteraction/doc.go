// Package userinteraction implements the process-global arbitration for
// tools (AskUserQuestion and friends) that need to suspend and wait for a
// human answer, per spec §4.8. At most one request may be pending at a
// time; the UI resolves it via Respond, and a disconnect/cancel path lets
// the caller observe a declined answer without breaking the tool-call
// contract.
package userinteraction
