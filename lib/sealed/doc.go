// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small secrets to an age X25519 identity and
// keeps them on disk.
//
// chatbridge uses it for the backend session key: after a successful
// login the key is sealed to the operator's identity and written to a
// [KeyFile], so the next run can present it for a refresh instead of
// starting from a fresh challenge. Files are ASCII-armored age
// ciphertext written atomically with mode 0600.
//
// Identities and decrypted plaintext are returned as *secret.Buffer.
package sealed
