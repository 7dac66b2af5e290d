/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateAddress(t *testing.T) {
	assert.True(t, IsPrivateAddress(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, IsPrivateAddress(netip.MustParseAddr("172.16.0.1")))
	assert.True(t, IsPrivateAddress(netip.MustParseAddr("192.168.1.20")))
	assert.True(t, IsPrivateAddress(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, IsPrivateAddress(netip.MustParseAddr("::ffff:10.0.0.5")))
	assert.False(t, IsPrivateAddress(netip.MustParseAddr("203.0.113.1")))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, IsLoopback(netip.MustParseAddr("::1")))
	assert.False(t, IsLoopback(netip.MustParseAddr("10.0.0.1")))
}

func TestParseSubnets(t *testing.T) {
	subnets, err := ParseSubnets([]string{"192.0.2.0/24", "198.51.100.7", "", " 10.0.0.0/8 "})
	require.NoError(t, err)
	require.Len(t, subnets, 3)

	// Bare addresses become single-host prefixes.
	assert.Equal(t, netip.MustParsePrefix("198.51.100.7/32"), subnets[1])

	assert.True(t, subnets.Contains(netip.MustParseAddr("192.0.2.200")))
	assert.True(t, subnets.Contains(netip.MustParseAddr("198.51.100.7")))
	assert.True(t, subnets.Contains(netip.MustParseAddr("::ffff:10.4.5.6")))
	assert.False(t, subnets.Contains(netip.MustParseAddr("203.0.113.1")))

	_, err = ParseSubnets([]string{"not-a-subnet"})
	require.Error(t, err)
}

func TestAddrPortFromUDP(t *testing.T) {
	got, err := AddrPortFromUDP(&net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40102})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:40102"), got)
	assert.True(t, got.Addr().Is4())

	_, err = AddrPortFromUDP(nil)
	require.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
