package types

import "testing"

import "github.com/stretchr/testify/require"

func TestPlatformMatches_ExactTriple(t *testing.T) {
	require.True(t, PlatformMatches("linux-debian/x86_64/gcc", "linux-debian/x86_64/gcc"))
	require.False(t, PlatformMatches("linux-debian/x86_64/gcc", "linux-debian/arm64/gcc"))
}

func TestPlatformMatches_WildcardSegments(t *testing.T) {
	require.True(t, PlatformMatches("linux-debian//gcc", "linux-debian/arm64/gcc"))
	require.True(t, PlatformMatches("///", "linux-debian/arm64/gcc"))
	require.False(t, PlatformMatches("linux-debian/arm64/gcc", "linux-debian//gcc"))
}

func TestBuilderBaseName(t *testing.T) {
	require.Equal(t, "pi-rack3-07", BuilderBaseName("pi-rack3-07.linux-debian-arm64"))
	require.Equal(t, "solo", BuilderBaseName("solo"))
}
