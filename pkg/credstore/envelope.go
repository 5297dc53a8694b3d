package credstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pemBegin = "-----BEGIN "
	pemEnd   = "-----END "
)

// Validate checks that data is PEM text holding the material kind names.
// Trailing NUL bytes are ignored.
func Validate(kind Kind, data []byte) error {
	if _, ok := labels[kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrProvisioningRejected, kind)
	}

	data = bytes.TrimRight(data, "\x00")
	if !bytes.HasPrefix(data, []byte(pemBegin)) || !bytes.Contains(data, []byte(pemEnd)) {
		return fmt.Errorf("%w: %s is not PEM text", ErrProvisioningRejected, kind)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("%w: %s has no decodable PEM block", ErrProvisioningRejected, kind)
	}

	var err error
	switch kind {
	case KindDeviceCert, KindClaimCert, KindRootCert, KindJITPCert:
		_, err = x509.ParseCertificate(block.Bytes)
	case KindDevicePrivateKey, KindClaimPrivateKey:
		err = parsePrivateKey(block)
	case KindDevicePublicKey, KindCodeVerifyKey:
		err = parsePublicKey(block)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProvisioningRejected, kind, err)
	}
	return nil
}

func parsePrivateKey(block *pem.Block) error {
	switch block.Type {
	case "RSA PRIVATE KEY":
		_, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		return err
	case "EC PRIVATE KEY":
		_, err := x509.ParseECPrivateKey(block.Bytes)
		return err
	case "PRIVATE KEY":
		_, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		return err
	default:
		return fmt.Errorf("unexpected PEM type %q", block.Type)
	}
}

func parsePublicKey(block *pem.Block) error {
	switch block.Type {
	case "PUBLIC KEY":
		_, err := x509.ParsePKIXPublicKey(block.Bytes)
		return err
	case "RSA PUBLIC KEY":
		_, err := x509.ParsePKCS1PublicKey(block.Bytes)
		return err
	case "CERTIFICATE":
		// Code verification keys are commonly distributed as certificates.
		_, err := x509.ParseCertificate(block.Bytes)
		return err
	default:
		return fmt.Errorf("unexpected PEM type %q", block.Type)
	}
}
