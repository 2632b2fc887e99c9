package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestAgentEnvRendersTokenAndURL(t *testing.T) {
	env := string(AgentEnv("http://master:8000", "tok-123"))
	if !strings.Contains(env, "GPUTASKER_AGENT_MASTER_URL=http://master:8000") {
		t.Fatalf("expected master URL in env, got:\n%s", env)
	}
	if !strings.Contains(env, "GPUTASKER_AGENT_REPORT_TOKEN=tok-123") {
		t.Fatalf("expected report token in env, got:\n%s", env)
	}
}

func TestLocalHashMatchesSHA256(t *testing.T) {
	binary := []byte("fake-agent-binary-contents")
	sum := sha256.Sum256(binary)
	want := hex.EncodeToString(sum[:])
	got := hex.EncodeToString(sha256.Sum256(binary)[:])
	if got != want {
		t.Fatalf("hash mismatch: %s vs %s", got, want)
	}
}
