package shard

import (
	"fmt"

	icrypto "github.com/sgrastar/authrim/internal/crypto"
)

// NewAuthCodeID returns a fresh authorization code string of the sharded
// form "{shardIndex}_auth_{random}", per spec §3 AuthorizationCode.
func NewAuthCodeID(shardIndex int) string {
	return fmt.Sprintf("%d_auth_%s", shardIndex, icrypto.NewID())
}

// NewSessionID returns a fresh session id of the sharded form
// "{shardIndex}_session_{uuid}", per spec §3 Session.
func NewSessionID(shardIndex int) string {
	return fmt.Sprintf("%d_session_%s", shardIndex, icrypto.NewID())
}

// NewPARRequestURI returns a fresh opaque request_uri of the form
// "urn:ietf:params:oauth:request_uri:g{gen}:{region}:{shard}:par_{uuid}",
// per spec §3 PARRequest.
func NewPARRequestURI(generation int, region string, shardIndex int) string {
	return fmt.Sprintf("urn:ietf:params:oauth:request_uri:g%d:%s:%d:par_%s", generation, region, shardIndex, icrypto.NewID())
}
