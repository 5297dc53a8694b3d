package kvstore

import (
	"fmt"

	"github.com/marmos91/flashkv/pkg/credstore"
)

// Key identifies one slot of the fixed table. The order is also the commit
// order.
type Key int

const (
	KeyThingName Key = iota
	KeyMQTTEndpoint
	KeyDeviceCert
	KeyDevicePrivateKey
	KeyDevicePublicKey
	KeyRootCA
	KeyTemplateName
	KeyClaimCert
	KeyClaimPrivateKey
	KeyCodeSignCert
	KeyHardwareRootCAPublicKey
	KeyHardwareClientPublicKey
	KeyHardwareClientPrivateKey

	// NumKeys is the table size.
	NumKeys
)

type keyInfo struct {
	// name is the persisted file name, or the credential label.
	name  string
	alias string
	cred  credstore.Kind
	// hardware keys live in the crypto engine and are never readable.
	hardware bool
}

var keyTable = [NumKeys]keyInfo{
	KeyThingName:                {name: "thing_name", alias: "thingname"},
	KeyMQTTEndpoint:             {name: "mqtt_endpoint", alias: "endpoint"},
	KeyDeviceCert:               {name: credstore.KindDeviceCert.Label(), alias: "cert", cred: credstore.KindDeviceCert},
	KeyDevicePrivateKey:         {name: credstore.KindDevicePrivateKey.Label(), alias: "key", cred: credstore.KindDevicePrivateKey},
	KeyDevicePublicKey:          {name: credstore.KindDevicePublicKey.Label(), alias: "pub", cred: credstore.KindDevicePublicKey},
	KeyRootCA:                   {name: "root_ca_id", alias: "rootca"},
	KeyTemplateName:             {name: "template_name", alias: "template"},
	KeyClaimCert:                {name: credstore.KindClaimCert.Label(), alias: "claimcert", cred: credstore.KindClaimCert},
	KeyClaimPrivateKey:          {name: credstore.KindClaimPrivateKey.Label(), alias: "claimkey", cred: credstore.KindClaimPrivateKey},
	KeyCodeSignCert:             {name: "code_sign_cert_id", alias: "codesigncert"},
	KeyHardwareRootCAPublicKey:  {name: "tsip_rootca_pub_id", alias: "tsiprootkey", hardware: true},
	KeyHardwareClientPublicKey:  {name: "tsip_client_pub_id", alias: "tsippubkey", hardware: true},
	KeyHardwareClientPrivateKey: {name: "tsip_client_pri_id", alias: "tsipprikey", hardware: true},
}

// Keys returns every key in table order.
func Keys() []Key {
	keys := make([]Key, NumKeys)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// Valid reports whether k indexes the table.
func (k Key) Valid() bool {
	return k >= 0 && k < NumKeys
}

// Name returns the persisted name of k.
func (k Key) Name() string {
	if !k.Valid() {
		return ""
	}
	return keyTable[k].name
}

// Alias returns the short command-line name of k.
func (k Key) Alias() string {
	if !k.Valid() {
		return ""
	}
	return keyTable[k].alias
}

// Credential reports whether k is certificate or key material held by the
// credential store, and which kind.
func (k Key) Credential() (credstore.Kind, bool) {
	if !k.Valid() {
		return 0, false
	}
	c := keyTable[k].cred
	return c, c != 0
}

// Hardware reports whether k names a key held inside the crypto engine.
func (k Key) Hardware() bool {
	return k.Valid() && keyTable[k].hardware
}

func (k Key) String() string {
	if !k.Valid() {
		return fmt.Sprintf("key(%d)", int(k))
	}
	return keyTable[k].alias
}

// Lookup resolves an alias or persisted name to its key.
func Lookup(name string) (Key, error) {
	for i, info := range keyTable {
		if name == info.alias || name == info.name {
			return Key(i), nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}
