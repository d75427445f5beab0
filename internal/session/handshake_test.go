package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeDerivesMatchingSessionKey(t *testing.T) {
	client, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	server, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	clientSecret, err := client.SharedSecret(server.Public)
	require.NoError(t, err)
	serverSecret, err := server.SharedSecret(client.Public)
	require.NoError(t, err)
	require.Equal(t, clientSecret, serverSecret)

	salt := append(append([]byte{}, client.Public[:]...), server.Public[:]...)
	clientKey, err := DeriveSessionKey(clientSecret, salt)
	require.NoError(t, err)
	serverKey, err := DeriveSessionKey(serverSecret, salt)
	require.NoError(t, err)
	assert.Equal(t, clientKey, serverKey)
}

func TestDifferentHandshakesDeriveDifferentKeys(t *testing.T) {
	a, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	b, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)
	c, err := GenerateEphemeralKeyPair()
	require.NoError(t, err)

	secretAB, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	secretAC, err := a.SharedSecret(c.Public)
	require.NoError(t, err)

	keyAB, err := DeriveSessionKey(secretAB, append(a.Public[:], b.Public[:]...))
	require.NoError(t, err)
	keyAC, err := DeriveSessionKey(secretAC, append(a.Public[:], c.Public[:]...))
	require.NoError(t, err)
	assert.NotEqual(t, keyAB, keyAC)
}

func TestFrameCipherSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	fc, err := NewFrameCipher(key)
	require.NoError(t, err)

	plaintext := []byte("hello hetu")
	sealed, err := fc.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := fc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestFrameCipherRejectsTamperedFrame(t *testing.T) {
	key := make([]byte, 32)
	fc, err := NewFrameCipher(key)
	require.NoError(t, err)

	sealed, err := fc.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = fc.Open(sealed)
	require.Error(t, err)
}
