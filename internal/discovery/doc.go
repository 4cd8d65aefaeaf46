// Package discovery finds CLUs on the local segment.
//
// CLUs do not advertise themselves. A Scanner broadcasts one challenge
// datagram and every device on the segment answers with its serial number,
// MAC address and a response to the challenge sealed under its own
// bootstrap key.
//
// # Discovery Process
//
//  1. Generate a random 30-byte nonce and IV
//  2. Broadcast ChallengeHash(nonce) sealed under the factory bootstrap key
//  3. Collect replies from any source, one per serial number
//  4. Stop when Limit devices answered or the window closes
//  5. Classify each reply against the private keys on file
//
// # Classification
//
//   - Project: a private key is on file and the device proved it holds it
//   - None: a private key is on file but the proof does not match
//   - Unknown: no private key is on file for the serial
//
// # Usage Example
//
//	scanner := discovery.NewScanner()
//	scanner.KnownKeys = reg.KnownKeys()
//	devices, err := scanner.Scan(ctx)
//	if err != nil {
//	    return err
//	}
//	for _, d := range devices {
//	    fmt.Println(d)
//	}
//
// # Thread Safety
//
// Every scan opens and closes its own broadcast socket, so concurrent scans
// do not interfere. A Scanner must not be modified while a scan is running.
package discovery
