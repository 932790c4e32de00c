package crypto

import (
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// EncryptJWE produces a compact JWE of payload for key. Nothing outside this
// package's tests calls it.
func EncryptJWE(key *jose.JSONWebKey, keyAlg jose.KeyAlgorithm, contentAlg jose.ContentEncryption, payload []byte) (string, error) {
	encrypter, err := jose.NewEncrypter(contentAlg, jose.Recipient{Algorithm: keyAlg, Key: key}, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: new encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("crypto: encrypting payload: %w", err)
	}
	return obj.CompactSerialize()
}

// DecryptJWE decrypts a compact JWE such as one produced by EncryptJWE.
// Nothing outside this package's tests calls it.
func DecryptJWE(key *jose.JSONWebKey, jwe string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(jwe,
		[]jose.KeyAlgorithm{jose.RSA_OAEP, jose.RSA_OAEP_256, jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A192KW, jose.ECDH_ES_A256KW},
		[]jose.ContentEncryption{jose.A128GCM, jose.A192GCM, jose.A256GCM, jose.A128CBC_HS256, jose.A256CBC_HS512},
	)
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing jwe: %w", err)
	}
	payload, err := obj.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypting jwe: %w", err)
	}
	return payload, nil
}
