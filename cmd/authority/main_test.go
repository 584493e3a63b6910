package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topicsub/internal/envelope"
)

func TestIssueWritesUsableKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	require.NoError(t, issue(dir, []string{
		"sub1=role:operator,site:rome",
		"sub2=role:guest,site:milan",
	}))

	pub, err := os.ReadFile(filepath.Join(dir, "public.key"))
	require.NoError(t, err)
	sub1, err := os.ReadFile(filepath.Join(dir, "sub1.key"))
	require.NoError(t, err)
	sub2, err := os.ReadFile(filepath.Join(dir, "sub2.key"))
	require.NoError(t, err)

	sealed, err := envelope.NewSealer(pub, "(role: operator) and (site: rome)").Seal("topicX", []byte("hi"))
	require.NoError(t, err)

	plain, err := envelope.NewOpener(sub1).Open("topicX", sealed)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plain))

	_, err = envelope.NewOpener(sub2).Open("topicX", sealed)
	assert.Error(t, err)
}

func TestIssueRejectsMalformedSpec(t *testing.T) {
	for _, spec := range []string{"noequals", "=role:x", "sub=role"} {
		assert.Error(t, issue(t.TempDir(), []string{spec}), spec)
	}
}
