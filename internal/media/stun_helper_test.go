package media

import (
	"testing"

	"github.com/pion/stun/v3"
)

// buildTestUseCandidateRequest builds a minimal STUN Binding Request
// carrying USE-CANDIDATE, the same shape a real ICE-Lite peer sends once
// it has picked a pair.
func buildTestUseCandidateRequest(t *testing.T) []byte {
	t.Helper()
	msg, err := stun.Build(stun.BindingRequest, stun.TransactionID, stun.UseCandidate)
	if err != nil {
		t.Fatalf("stun.Build: %v", err)
	}
	return msg.Raw
}
