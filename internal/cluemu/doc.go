// Package cluemu emulates a CLU on any datagram socket.
//
// The emulator answers the full command catalog the way the firmware does:
// it responds to discovery challenges with its own IV and private key,
// accepts SetKey sealed under either its active key or its bootstrap key,
// and ignores every other datagram it cannot open with the active key.
// Readdressing, reset acknowledgements, the reboot window and the answer to
// checkAlive() are configurable so commissioning can be exercised end to end
// without hardware.
//
//	dev, err := cluemu.Start(ctx, network, cluemu.Config{
//	    Serial: 0x1a2b3c4d,
//	    IP:     netip.MustParseAddr("192.168.1.50"),
//	})
package cluemu
