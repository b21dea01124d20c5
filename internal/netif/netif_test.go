package netif

import (
	"errors"
	"net"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedTable(ifaces ...psnet.InterfaceStat) *Resolver {
	return &Resolver{list: func() ([]psnet.InterfaceStat, error) { return ifaces, nil }}
}

var table = []psnet.InterfaceStat{
	{
		Index: 1,
		Name:  "lo",
		Flags: []string{"up", "loopback", "running"},
		Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}, {Addr: "::1/128"}},
	},
	{
		Index: 3,
		Name:  "wlan0",
		Flags: []string{"up", "broadcast", "multicast"},
		Addrs: psnet.InterfaceAddrList{{Addr: "fe80::1/64"}, {Addr: "192.168.1.5/24"}},
	},
	{
		Index: 4,
		Name:  "eth1",
		Flags: []string{"broadcast"},
	},
}

func TestResolveInterface(t *testing.T) {
	r := fixedTable(table...)

	st, err := r.ResolveInterface("lo")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Index)
	assert.True(t, st.Up)
	assert.True(t, st.Carrier)

	st, err = r.ResolveInterface("wlan0")
	require.NoError(t, err)
	assert.True(t, st.Up)
	assert.False(t, st.Carrier, "no running flag means no carrier")

	st, err = r.ResolveInterface("eth1")
	require.NoError(t, err)
	assert.False(t, st.Up)

	_, err = r.ResolveInterface("eth9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupIP(t *testing.T) {
	r := fixedTable(table...)

	idx, name, err := r.LookupIP(net.ParseIP("192.168.1.5"))
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	assert.Equal(t, "wlan0", name)

	_, _, err = r.LookupIP(net.ParseIP("10.0.0.1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirstIPv4(t *testing.T) {
	r := fixedTable(table...)

	ip, err := r.FirstIPv4("wlan0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", ip.String())

	_, err = r.FirstIPv4("eth1")
	assert.Error(t, err)
}

func TestListErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	r := &Resolver{list: func() ([]psnet.InterfaceStat, error) { return nil, boom }}
	_, err := r.ResolveInterface("lo")
	assert.ErrorIs(t, err, boom)
}
