package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jason-s-yu/trivia/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func field(out, name string) string {
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func TestKeygenMintsVerifiableToken(t *testing.T) {
	out, err := run(t, "keygen", "--subject", "u1")
	require.NoError(t, err)

	pub, err := auth.ParsePublicKey(field(out, "public"))
	require.NoError(t, err)
	_, err = auth.ParsePrivateKey(field(out, "private"))
	require.NoError(t, err)

	sub, err := auth.NewVerifier(pub).AuthenticateJWT(field(out, "token"))
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestKeygenSignsWithGivenKey(t *testing.T) {
	pub, priv, err := auth.GenerateKeys()
	require.NoError(t, err)

	out, err := run(t, "keygen", "--private-key", auth.EncodeKey(priv), "--subject", "u2")
	require.NoError(t, err)
	assert.Empty(t, field(out, "public"))

	sub, err := auth.NewVerifier(pub).AuthenticateJWT(field(out, "token"))
	require.NoError(t, err)
	assert.Equal(t, "u2", sub)
}

func TestKeygenPrivateKeyNeedsSubject(t *testing.T) {
	_, priv, err := auth.GenerateKeys()
	require.NoError(t, err)

	_, err = run(t, "keygen", "--private-key", auth.EncodeKey(priv))
	assert.Error(t, err)
}

func TestInvalidConfigRefusesToServe(t *testing.T) {
	_, err := run(t, "--finalizer-backend", "carrier-pigeon")
	assert.ErrorContains(t, err, "unknown finalizer_backend")
}

func TestHistorianRequiresStores(t *testing.T) {
	_, err := run(t, "historian")
	assert.ErrorContains(t, err, "database_url")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, releaseVersion)
}
