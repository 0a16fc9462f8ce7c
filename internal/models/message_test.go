package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeepsMessageVerbatim(t *testing.T) {
	s := Submission{Username: "  alice ", Message: "  two spaces\n", To: "\tbob", GroupChat: " ops "}
	s.Normalize()

	assert.Equal(t, Submission{Username: "alice", Message: "  two spaces\n", To: "bob", GroupChat: "ops"}, s)
	assert.Empty(t, s.Missing())
}

func TestMissingIgnoresWhitespaceOnlyMessage(t *testing.T) {
	s := Submission{Username: "alice", Message: " \n\t", To: "bob"}
	s.Normalize()

	assert.Equal(t, []string{"message"}, s.Missing())
}
