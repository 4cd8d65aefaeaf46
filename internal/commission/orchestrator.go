package commission

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/cipherkey"
	"github.com/muurk/cluctl/internal/discovery"
	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/session"
	"github.com/muurk/cluctl/internal/transport"
)

var (
	// ErrKeyNotAccepted means the device never acknowledged the project key
	ErrKeyNotAccepted = errors.New("device did not acknowledge the project key")

	// ErrNoAddressResponse means SetAddress got no answer
	ErrNoAddressResponse = errors.New("device did not answer the address change")

	// ErrNotAlive means the alive poll timed out
	ErrNotAlive = errors.New("device did not come back alive")
)

// Orchestrator runs commissioning
type Orchestrator struct {
	Config Config

	// Network carries discovery and sessions; the host UDP stack when nil
	Network transport.Network
	// Prober checks address occupancy; ICMP when nil
	Prober transport.Prober

	// Files and Registry are optional identification collaborators
	Files    FileTransfer
	Registry InterfaceRegistry

	// Observer receives progress events; may be nil
	Observer Observer

	runID string
	total int
	log   *zap.Logger
}

// New creates an orchestrator with the host network stack
func New(cfg Config) *Orchestrator {
	return &Orchestrator{Config: cfg}
}

// Run discovers devices and commissions them one at a time. The returned
// error is only set when the run could not start or discovery failed;
// per-device failures are in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	cfg := o.Config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid commissioning config: %w", err)
	}
	if o.Network == nil {
		o.Network = transport.UDPNetwork{}
	}
	if o.Prober == nil {
		o.Prober = &transport.ICMPProber{LocalIP: cfg.LocalIP}
	}

	o.runID = uuid.NewString()
	o.log = logging.Named("commission").With(zap.String("run", o.runID))

	report := &Report{RunID: o.runID, ProjectKey: cfg.ProjectKey, Started: time.Now()}
	if report.ProjectKey == nil {
		key, err := cipherkey.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate project key: %w", err)
		}
		report.ProjectKey = key
		o.log.Info("generated project key", zap.String("fingerprint", key.Fingerprint()))
	}

	used := append([]netip.Addr{cfg.LocalIP}, cfg.Used...)
	alloc, err := NewAllocator(cfg.PoolStart, cfg.PoolEnd, used, o.Prober, cfg.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	o.emit(Event{Step: StepDiscover, Status: StatusStarted})
	scanner := &discovery.Scanner{
		Network:   o.Network,
		Broadcast: cfg.Broadcast,
		Port:      cfg.Port,
		LocalIP:   cfg.LocalIP,
		Timeout:   cfg.DiscoveryTimeout,
		Limit:     cfg.Limit,
		KnownKeys: cfg.KnownKeys,
	}
	devices, err := scanner.Scan(ctx)
	if err != nil {
		o.emit(Event{Step: StepDiscover, Status: StatusFailed, Err: err})
		return nil, err
	}
	o.total = len(devices)
	o.emit(Event{Step: StepDiscover, Status: StatusSucceeded, Message: fmt.Sprintf("%d device(s) found", len(devices))})

	for i, dev := range devices {
		if ctx.Err() != nil {
			break
		}
		out := o.commission(ctx, i+1, dev, alloc, report.ProjectKey, &cfg)
		report.Outcomes = append(report.Outcomes, out)
	}

	report.Finished = time.Now()
	o.log.Info("commissioning finished",
		zap.Int("devices", len(report.Outcomes)),
		zap.Int("succeeded", report.Succeeded()),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return report, ctx.Err()
}

// commission runs the sequence for one device
func (o *Orchestrator) commission(ctx context.Context, index int, dev *discovery.Device, alloc *Allocator, project *cipherkey.Key, cfg *Config) *Outcome {
	start := time.Now()
	out := &Outcome{Device: dev, Previous: dev.IP}
	defer func() { out.Duration = time.Since(start) }()

	step := func(s Step, status Status, msg string, err error) {
		o.emit(Event{Serial: dev.Serial, Index: index, Step: s, Status: status, Message: msg, Err: err})
	}
	fail := func(s Step, err error) *Outcome {
		out.FailedStep, out.Err = s, err
		step(s, StatusFailed, "", err)
		logging.LogDeviceEvent(dev.Serial, "commissioning_failed", zap.Stringer("step", s), zap.Error(err))
		return out
	}
	warn := func(s Step, msg string) {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", s, msg))
		step(s, StatusWarning, msg, nil)
	}

	step(StepAllocate, StatusStarted, "", nil)
	ip, err := alloc.Next(ctx)
	if err != nil {
		return fail(StepAllocate, err)
	}
	out.Assigned = ip
	step(StepAllocate, StatusSucceeded, ip.String(), nil)

	client, err := session.Open(ctx, dev, session.Options{
		Network: o.Network,
		LocalIP: cfg.LocalIP,
		Port:    cfg.Port,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return fail(StepConnect, err)
	}
	defer client.Close()

	step(StepSetKey, StatusStarted, "", nil)
	ok, err := client.SetKey(ctx, project)
	if err != nil {
		return fail(StepSetKey, err)
	}
	if !ok {
		return fail(StepSetKey, ErrKeyNotAccepted)
	}
	out.KeySet = true
	dev.Key = project.Clone()
	step(StepSetKey, StatusSucceeded, project.Fingerprint(), nil)

	if dev.IP != ip {
		step(StepSetAddress, StatusStarted, ip.String(), nil)
		accepted, ok, err := client.SetAddress(ctx, ip, cfg.Gateway)
		switch {
		case err != nil:
			return fail(StepSetAddress, err)
		case !ok:
			return fail(StepSetAddress, ErrNoAddressResponse)
		case accepted != ip:
			warn(StepSetAddress, fmt.Sprintf("device kept %s", accepted))
		default:
			out.AddressAccepted = true
			dev.IP = ip
			step(StepSetAddress, StatusSucceeded, ip.String(), nil)

			step(StepWaitAddress, StatusStarted, "", nil)
			up, err := transport.PollUntil(ctx, cfg.AddressTimeout, cfg.PollInterval, func(ctx context.Context) (bool, error) {
				return o.Prober.Probe(ctx, ip, cfg.ProbeTimeout)
			})
			if err != nil {
				return fail(StepWaitAddress, err)
			}
			if up {
				step(StepWaitAddress, StatusSucceeded, "", nil)
			} else {
				warn(StepWaitAddress, "no ICMP answer from "+ip.String())
			}
		}
	} else {
		out.AddressAccepted = true
		step(StepSetAddress, StatusSkipped, "already at "+ip.String(), nil)
	}

	step(StepReset, StatusStarted, "", nil)
	acked, err := client.Reset(ctx)
	if err != nil {
		return fail(StepReset, err)
	}
	out.ResetAcked = acked
	if acked {
		step(StepReset, StatusSucceeded, "", nil)
	} else {
		step(StepReset, StatusSucceeded, "no acknowledgement", nil)
	}

	step(StepAlive, StatusStarted, "", nil)
	alive, err := transport.PollUntil(ctx, cfg.AliveTimeout, cfg.PollInterval, client.CheckAlive)
	if err != nil {
		return fail(StepAlive, err)
	}
	if !alive {
		return fail(StepAlive, fmt.Errorf("%w within %s", ErrNotAlive, cfg.AliveTimeout))
	}
	out.Alive = true
	step(StepAlive, StatusSucceeded, "", nil)

	if cfg.FetchDescriptor {
		o.identify(ctx, client, out, cfg, step, warn)
	}

	logging.LogDeviceEvent(dev.Serial, "commissioned", zap.Stringer("ip", dev.IP))
	step(StepDone, StatusSucceeded, dev.IP.String(), nil)
	return out
}

// identify is best effort; problems become warnings
func (o *Orchestrator) identify(ctx context.Context, client *session.Client, out *Outcome, cfg *Config,
	step func(Step, Status, string, error), warn func(Step, string)) {
	if o.Files == nil {
		step(StepIdentify, StatusSkipped, "no file transfer configured", nil)
		return
	}
	step(StepIdentify, StatusStarted, "", nil)

	ok, err := client.StartFileServer(ctx)
	if err != nil || !ok {
		warn(StepIdentify, "file server did not start")
		return
	}
	defer client.StopFileServer(ctx)

	data, err := o.Files.Download(ctx, client.Addr().Addr(), cfg.DescriptorPath)
	if err != nil {
		warn(StepIdentify, fmt.Sprintf("download %s: %v", cfg.DescriptorPath, err))
		return
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		warn(StepIdentify, err.Error())
		return
	}
	out.Descriptor = &desc

	if o.Registry == nil {
		step(StepIdentify, StatusSucceeded, desc.String(), nil)
		return
	}
	t, found := o.Registry.Lookup(desc)
	if !found {
		warn(StepIdentify, "unknown device type "+desc.String())
		return
	}
	out.DeviceType = &t
	step(StepIdentify, StatusSucceeded, t.Name, nil)
}

func (o *Orchestrator) emit(e Event) {
	e.RunID = o.runID
	e.Total = o.total
	e.At = time.Now()
	if o.log != nil {
		fields := []zap.Field{
			zap.Stringer("step", e.Step),
			zap.Stringer("status", e.Status),
		}
		if e.Serial != 0 {
			fields = append(fields, zap.String("serial", fmt.Sprintf("%08x", e.Serial)))
		}
		if e.Message != "" {
			fields = append(fields, zap.String("message", e.Message))
		}
		if e.Err != nil {
			fields = append(fields, zap.Error(e.Err))
		}
		o.log.Debug("commissioning event", fields...)
	}
	if o.Observer != nil {
		o.Observer(e)
	}
}
