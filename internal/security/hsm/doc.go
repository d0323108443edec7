// Package hsm holds key-backed verification code providers. Build with
// -tags softhsm to include the PKCS#11 implementation.
package hsm
