package commission

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/cluemu"
	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/session"
	"github.com/muurk/cluctl/internal/transport/memnet"
)

var localIP = netip.MustParseAddr("192.168.1.10")

type testbed struct {
	net  *memnet.Network
	emus map[uint64]*cluemu.Device
	orch *Orchestrator

	mu     sync.Mutex
	events []Event
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	n := memnet.New(netip.MustParsePrefix("192.168.1.0/24"))
	tb := &testbed{net: n, emus: map[uint64]*cluemu.Device{}}
	tb.orch = &Orchestrator{
		Config: Config{
			KnownKeys:        map[uint64][]byte{},
			LocalIP:          localIP,
			Gateway:          netip.MustParseAddr("192.168.1.1"),
			PoolStart:        netip.MustParseAddr("192.168.1.100"),
			Broadcast:        n.Broadcast(),
			DiscoveryTimeout: 150 * time.Millisecond,
			RequestTimeout:   100 * time.Millisecond,
			AddressTimeout:   500 * time.Millisecond,
			AliveTimeout:     time.Second,
			PollInterval:     20 * time.Millisecond,
		},
		Network: n,
		Prober:  n,
		Observer: func(e Event) {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			tb.events = append(tb.events, e)
		},
	}
	return tb
}

func (tb *testbed) spawn(t *testing.T, cfg cluemu.Config) *cluemu.Device {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dev, err := cluemu.Start(ctx, tb.net, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		dev.Close()
	})
	tb.emus[cfg.Serial] = dev
	return dev
}

func outcomesBySerial(r *Report) map[uint64]*Outcome {
	m := map[uint64]*Outcome{}
	for _, o := range r.Outcomes {
		m[o.Device.Serial] = o
	}
	return m
}

func TestRun_CommissionsKnownAndFactoryDevices(t *testing.T) {
	tb := newTestbed(t)
	known := tb.spawn(t, cluemu.Config{
		Serial:      0xa1,
		IP:          netip.MustParseAddr("192.168.1.50"),
		PrivateKey:  []byte("key-00a1"),
		SilentReset: true,
		RebootDelay: 100 * time.Millisecond,
	})
	factory := tb.spawn(t, cluemu.Config{
		Serial:     0xa2,
		IP:         netip.MustParseAddr("192.168.1.51"),
		AliveReply: "000000a2",
	})
	tb.orch.Config.KnownKeys[0xa1] = []byte("key-00a1")
	tb.net.AddHost(netip.MustParseAddr("192.168.1.101"))

	project, err := cipherkey.Generate()
	require.NoError(t, err)
	tb.orch.Config.ProjectKey = project

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 0, report.Failed())
	assert.NotEmpty(t, report.RunID)
	assert.True(t, report.ProjectKey.Equal(project))

	first, second := report.Outcomes[0].Assigned, report.Outcomes[1].Assigned
	assert.Equal(t, netip.MustParseAddr("192.168.1.102"), first)
	assert.Equal(t, netip.MustParseAddr("192.168.1.103"), second)

	bySerial := outcomesBySerial(report)
	assert.Equal(t, discovery.AuthProject, bySerial[0xa1].Device.Auth)
	assert.Equal(t, discovery.AuthUnknown, bySerial[0xa2].Device.Auth)
	assert.False(t, bySerial[0xa1].ResetAcked)
	assert.True(t, bySerial[0xa2].ResetAcked)

	for serial, emu := range map[uint64]*cluemu.Device{0xa1: known, 0xa2: factory} {
		o := bySerial[serial]
		assert.True(t, o.KeySet)
		assert.True(t, o.AddressAccepted)
		assert.True(t, emu.Key().Equal(project))
		assert.Equal(t, o.Assigned, emu.IP())
		assert.Equal(t, o.Assigned, o.Device.IP)
		assert.True(t, o.Device.Key.Equal(project))
		assert.Equal(t, 1, emu.Resets())
	}
	assert.Len(t, report.Commissioned(), 2)
}

func TestRun_NewKeyAliveOldKeySilent(t *testing.T) {
	tb := newTestbed(t)
	emu := tb.spawn(t, cluemu.Config{
		Serial:     0xb1,
		IP:         netip.MustParseAddr("192.168.1.60"),
		PrivateKey: []byte("key-00b1"),
	})
	tb.orch.Config.KnownKeys[0xb1] = []byte("key-00b1")

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded())
	dev := report.Outcomes[0].Device

	opts := session.Options{Network: tb.net, LocalIP: localIP, Timeout: 100 * time.Millisecond}

	current, err := session.Open(context.Background(), dev, opts)
	require.NoError(t, err)
	defer current.Close()
	alive, err := current.CheckAlive(context.Background())
	require.NoError(t, err)
	assert.True(t, alive)

	stale := *dev
	stale.Key = emu.BootstrapKey()
	old, err := session.Open(context.Background(), &stale, opts)
	require.NoError(t, err)
	defer old.Close()
	_, ok, err := old.Execute(context.Background(), session.CheckAliveScript)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_FailureDoesNotAbortOthers(t *testing.T) {
	tb := newTestbed(t)
	tb.spawn(t, cluemu.Config{Serial: 0xc1, IP: netip.MustParseAddr("192.168.1.70"), PrivateKey: []byte("real-key")})
	tb.spawn(t, cluemu.Config{Serial: 0xc2, IP: netip.MustParseAddr("192.168.1.71"), AliveReply: cluemu.ReplyEmergency})
	tb.spawn(t, cluemu.Config{Serial: 0xc3, IP: netip.MustParseAddr("192.168.1.72")})
	tb.orch.Config.KnownKeys[0xc1] = []byte("old-key!")
	tb.orch.Config.AliveTimeout = 200 * time.Millisecond

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, 1, report.Succeeded())

	bySerial := outcomesBySerial(report)

	wrongKey := bySerial[0xc1]
	assert.Equal(t, discovery.AuthNone, wrongKey.Device.Auth)
	assert.Equal(t, StepSetKey, wrongKey.FailedStep)
	assert.ErrorIs(t, wrongKey.Err, ErrKeyNotAccepted)

	emergency := bySerial[0xc2]
	assert.Equal(t, StepAlive, emergency.FailedStep)
	assert.ErrorIs(t, emergency.Err, ErrNotAlive)
	assert.False(t, emergency.Succeeded())

	assert.True(t, bySerial[0xc3].Succeeded())
}

// refuseAfter serves the first n sockets from the segment and fails the rest
type refuseAfter struct {
	*memnet.Network
	mu sync.Mutex
	n  int
}

func (r *refuseAfter) ListenPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return nil, errors.New("no sockets left")
	}
	r.n--
	return r.Network.ListenPacket(ctx, local)
}

func TestRun_SessionOpenFailureIsConnectStep(t *testing.T) {
	tb := newTestbed(t)
	emu := tb.spawn(t, cluemu.Config{Serial: 0xc9, IP: netip.MustParseAddr("192.168.1.75")})
	tb.orch.Network = &refuseAfter{Network: tb.net, n: 1}

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	o := report.Outcomes[0]
	assert.Equal(t, StepConnect, o.FailedStep)
	assert.False(t, o.KeySet)
	assert.Zero(t, report.KeysHandedOver())
	assert.True(t, emu.Key().Equal(emu.BootstrapKey()), "device must keep its bootstrap key")
}

func TestReport_KeysHandedOverCountsFailedDevices(t *testing.T) {
	r := &Report{Outcomes: []*Outcome{
		{KeySet: true, Alive: true},
		{KeySet: true, FailedStep: StepAlive, Err: ErrNotAlive},
		{FailedStep: StepSetKey, Err: ErrKeyNotAccepted},
	}}
	assert.Equal(t, 1, r.Succeeded())
	assert.Equal(t, 2, r.KeysHandedOver())
}

func TestRun_RefusedAddressIsWarning(t *testing.T) {
	tb := newTestbed(t)
	emu := tb.spawn(t, cluemu.Config{Serial: 0xd1, IP: netip.MustParseAddr("192.168.1.80"), RejectAddress: true})

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	o := report.Outcomes[0]
	assert.True(t, o.Succeeded())
	assert.False(t, o.AddressAccepted)
	assert.Equal(t, netip.MustParseAddr("192.168.1.101"), o.Assigned)
	assert.Equal(t, netip.MustParseAddr("192.168.1.80"), emu.IP())
	assert.Equal(t, netip.MustParseAddr("192.168.1.80"), o.Device.IP)
	assert.NotEmpty(t, o.Warnings)
}

func TestRun_PoolExhaustedFailsOnlyLaterDevices(t *testing.T) {
	tb := newTestbed(t)
	tb.spawn(t, cluemu.Config{Serial: 0xe1, IP: netip.MustParseAddr("192.168.1.90")})
	tb.spawn(t, cluemu.Config{Serial: 0xe2, IP: netip.MustParseAddr("192.168.1.91")})
	tb.orch.Config.PoolEnd = netip.MustParseAddr("192.168.1.101")

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 1, report.Succeeded())

	last := report.Outcomes[1]
	assert.Equal(t, StepAllocate, last.FailedStep)
	assert.True(t, errors.Is(last.Err, ErrPoolExhausted))
}

func TestRun_IdentifiesDevice(t *testing.T) {
	tb := newTestbed(t)
	emu := tb.spawn(t, cluemu.Config{Serial: 0xf1, IP: netip.MustParseAddr("192.168.1.95")})

	root := t.TempDir()
	dir := filepath.Join(root, "192.168.1.101")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CONFIG.JSON"),
		[]byte(`{"hardwareType":19,"hardwareVersion":2,"firmwareType":3,"firmwareVersion":1304}`), 0o644))

	desc := Descriptor{HardwareType: 19, HardwareVersion: 2, FirmwareType: 3, FirmwareVersion: 1304}
	tb.orch.Config.FetchDescriptor = true
	tb.orch.Files = DirectoryTransfer{Root: root}
	tb.orch.Registry = StaticRegistry{desc: {Name: "CLU_ZWAVE"}}

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	o := report.Outcomes[0]
	assert.True(t, o.Succeeded())
	require.NotNil(t, o.Descriptor)
	assert.Equal(t, desc, *o.Descriptor)
	require.NotNil(t, o.DeviceType)
	assert.Equal(t, "CLU_ZWAVE", o.DeviceType.Name)
	assert.True(t, emu.FileServerRunning())
}

func TestRun_IdentifyProblemsAreWarnings(t *testing.T) {
	tb := newTestbed(t)
	tb.spawn(t, cluemu.Config{Serial: 0xf2, IP: netip.MustParseAddr("192.168.1.96")})
	tb.orch.Config.FetchDescriptor = true
	tb.orch.Files = DirectoryTransfer{Root: t.TempDir()}

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	o := report.Outcomes[0]
	assert.True(t, o.Succeeded())
	assert.Nil(t, o.Descriptor)
	assert.NotEmpty(t, o.Warnings)
}

func TestRun_GeneratesProjectKeyAndEmitsEvents(t *testing.T) {
	tb := newTestbed(t)
	tb.spawn(t, cluemu.Config{Serial: 0x71, IP: netip.MustParseAddr("192.168.1.97")})

	report, err := tb.orch.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.ProjectKey)
	assert.True(t, tb.emus[0x71].Key().Equal(report.ProjectKey))

	tb.mu.Lock()
	defer tb.mu.Unlock()
	require.NotEmpty(t, tb.events)
	assert.Equal(t, StepDiscover, tb.events[0].Step)
	assert.Equal(t, StatusStarted, tb.events[0].Status)

	last := tb.events[len(tb.events)-1]
	assert.Equal(t, StepDone, last.Step)
	assert.Equal(t, StatusSucceeded, last.Status)
	assert.Equal(t, uint64(0x71), last.Serial)
	assert.Equal(t, 1, last.Index)
	assert.Equal(t, 1, last.Total)
	for _, e := range tb.events {
		assert.Equal(t, report.RunID, e.RunID)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	tb := newTestbed(t)
	tb.orch.Config.Gateway = netip.Addr{}
	_, err := tb.orch.Run(context.Background())
	assert.Error(t, err)
}
