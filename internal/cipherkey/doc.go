// Package cipherkey implements the symmetric keys used by the CLU protocol.
//
// A Key is a 16-byte AES secret paired with a 16-byte CBC initialization
// vector. Datagrams are sealed with AES-128-CBC and PKCS#7 padding, so a
// 30-byte challenge nonce encrypts to a 32-byte block.
//
// # Bootstrap Keys
//
// Before a project key has been provisioned a device can still be
// challenged: DeriveBootstrap derives a key from the device IV and its
// factory private key. Devices without a private key on file (class-0
// devices) use FactoryPrivateKey.
//
//	key := cipherkey.DeriveBootstrap(device.IV[:], privateKey)
//	sealed, err := key.Encrypt(plaintext)
//
// # Challenge Hash
//
// ChallengeHash is a non-cryptographic transform implemented by device
// firmware and used only during discovery. It must stay bit-exact:
//
//	out[0] = in[0] ^ in[len-1]
//	out[i] = byte(((out[i-1] % 13) + 1) * ((in[i] % 19) + 1))
//
// # Text Form
//
// Keys are stored in project files as "base64(secret):base64(iv)".
package cipherkey
