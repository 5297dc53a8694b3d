// Package credstore holds certificate and key material under fixed labels.
//
// Objects are addressed the way a PKCS#11 token addresses them: Find turns a
// label into a handle, Read returns the object behind a handle. Provision
// accepts only PEM text that parses as the material its kind names.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProvisioningRejected is returned when material fails the envelope
	// or parse check.
	ErrProvisioningRejected = errors.New("credstore: provisioning rejected")

	// ErrNotFound is returned by Find and Read for objects never provisioned.
	ErrNotFound = errors.New("credstore: object not found")

	// ErrInvalidHandle is returned for handles outside the known kinds.
	ErrInvalidHandle = errors.New("credstore: invalid handle")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("credstore: store closed")
)

// Kind is the type of credential material.
type Kind uint8

const (
	KindDeviceCert Kind = iota + 1
	KindDevicePrivateKey
	KindDevicePublicKey
	KindCodeVerifyKey
	KindClaimCert
	KindClaimPrivateKey
	KindRootCert
	KindJITPCert
)

// Kinds lists every kind in handle order.
var Kinds = []Kind{
	KindDeviceCert,
	KindDevicePrivateKey,
	KindDevicePublicKey,
	KindCodeVerifyKey,
	KindClaimCert,
	KindClaimPrivateKey,
	KindRootCert,
	KindJITPCert,
}

var labels = map[Kind]string{
	KindDeviceCert:       "Device Cert",
	KindDevicePrivateKey: "Device Priv TLS Key",
	KindDevicePublicKey:  "Device Pub TLS Key",
	KindCodeVerifyKey:    "Code Verify Key",
	KindClaimCert:        "Claim Cert",
	KindClaimPrivateKey:  "Claim Key",
	KindRootCert:         "Root Cert",
	KindJITPCert:         "JITP Cert",
}

// Label returns the object label of k.
func (k Kind) Label() string {
	return labels[k]
}

func (k Kind) String() string {
	if l, ok := labels[k]; ok {
		return l
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Handle returns the object handle of k.
func (k Kind) Handle() Handle {
	return Handle(k)
}

// Private reports whether material of this kind is secret.
func (k Kind) Private() bool {
	return k == KindDevicePrivateKey || k == KindClaimPrivateKey
}

// KindForLabel returns the kind whose label is label.
func KindForLabel(label string) (Kind, bool) {
	for k, l := range labels {
		if l == label {
			return k, true
		}
	}
	return 0, false
}

// Handle identifies a stored object. Zero is never valid.
type Handle uint32

// InvalidHandle is returned alongside errors.
const InvalidHandle Handle = 0

// Kind returns the kind a handle refers to.
func (h Handle) Kind() (Kind, error) {
	k := Kind(h)
	if _, ok := labels[k]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHandle, uint32(h))
	}
	return k, nil
}

// Store is a secure credential store.
type Store interface {
	// Provision validates data for kind and stores it, replacing any
	// previous object with the same label.
	Provision(ctx context.Context, kind Kind, data []byte) error

	// Find returns the handle of the object with the given label.
	Find(ctx context.Context, label string) (Handle, error)

	// Read returns the object behind h.
	Read(ctx context.Context, h Handle) ([]byte, error)

	// Destroy removes the object behind h.
	Destroy(ctx context.Context, h Handle) error

	Close() error
}

// ReadKind is a convenience that finds and reads the object of kind k.
func ReadKind(ctx context.Context, s Store, k Kind) ([]byte, error) {
	h, err := s.Find(ctx, k.Label())
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, h)
}

func lookupLabel(label string) (Kind, error) {
	k, ok := KindForLabel(strings.TrimRight(label, "\x00"))
	if !ok {
		return 0, fmt.Errorf("%w: label %q", ErrNotFound, label)
	}
	return k, nil
}
