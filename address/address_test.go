package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringRoundTrip(t *testing.T) {
	cases := []string{
		"192.168.1.10:40000",
		"8.8.8.8:53",
		"[2001:db8::1]:443",
		"[::1]:1",
	}
	for _, s := range cases {
		a, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, a.String(), "round trip")
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-an-address")
	assert.Error(t, err)

	_, err = Parse("256.256.256.256:80")
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a, err := Parse("10.0.0.1:1234")
	require.NoError(t, err)
	b, err := Parse("10.0.0.1:1234")
	require.NoError(t, err)
	c, err := Parse("10.0.0.1:1235")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestPredicates(t *testing.T) {
	loopback, err := Parse("127.0.0.1:1")
	require.NoError(t, err)
	assert.True(t, loopback.IsLoopback())
	assert.True(t, loopback.IsPrivate())

	linklocal, err := Parse("169.254.1.1:1")
	require.NoError(t, err)
	assert.True(t, linklocal.IsLinkLocal())
	assert.True(t, linklocal.IsPrivate())

	priv, err := Parse("192.168.1.10:1")
	require.NoError(t, err)
	assert.True(t, priv.IsPrivateNetwork())
	assert.True(t, priv.IsPrivate())

	priv172, err := Parse("172.16.5.5:1")
	require.NoError(t, err)
	assert.True(t, priv172.IsPrivateNetwork())

	shared, err := Parse("100.64.1.1:1")
	require.NoError(t, err)
	assert.True(t, shared.IsSharedNetwork())
	assert.True(t, shared.IsPrivate())

	pub, err := Parse("8.8.8.8:1")
	require.NoError(t, err)
	assert.False(t, pub.IsPrivate())
}

func TestIPv6LoopbackAndLinkLocal(t *testing.T) {
	loopback, err := Parse("[::1]:1")
	require.NoError(t, err)
	assert.True(t, loopback.IsLoopback())

	linklocal, err := Parse("[fe80::1]:1")
	require.NoError(t, err)
	assert.True(t, linklocal.IsLinkLocal())

	uniqueLocal, err := Parse("[fd12:3456::1]:1")
	require.NoError(t, err)
	assert.True(t, uniqueLocal.IsPrivateNetwork())
}

func TestFamily(t *testing.T) {
	v4, err := Parse("1.2.3.4:1")
	require.NoError(t, err)
	assert.Equal(t, V4, v4.Family())

	v6, err := Parse("[::1]:1")
	require.NoError(t, err)
	assert.Equal(t, V6, v6.Family())
}
