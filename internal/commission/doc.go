// Package commission brings discovered CLUs under project management.
//
// A run discovers devices once and then walks them one at a time:
//
//	allocate  next free address above the previous allocation
//	set key   hand over the project key (harmless when already set)
//	readdress move the device and wait for the new address to answer ICMP
//	reset     reboot; a missing acknowledgement is expected
//	alive     poll checkAlive() until the device is back
//	identify  optionally fetch the configuration descriptor
//
// Devices are never processed in parallel, so the allocator has a single
// writer. A failure ends that device's sequence only; the run continues
// with the next device and every device gets its own Outcome.
package commission
