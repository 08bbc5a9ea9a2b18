// Package zkacl supplies ACL lists and session credentials for nodes created
// through the client. Providers are stateless and safe for concurrent use.
package zkacl

import (
	"github.com/go-zookeeper/zk"
)

// Provider returns the ACL list to attach to a node created at the given path.
type Provider interface {
	ACLsFor(path string) []zk.ACL
}

// Credential is one auth entry added to a session after it is established.
type Credential struct {
	Scheme string
	Auth   []byte
}

// CredentialsProvider returns the credentials to add to every new session,
// including replacement sessions after expiry.
type CredentialsProvider interface {
	Credentials() []Credential
}

// WorldProvider grants full access to everyone. It is the default.
type WorldProvider struct{}

func (WorldProvider) ACLsFor(path string) []zk.ACL {
	return zk.WorldACL(zk.PermAll)
}

// NoCredentialsProvider adds no auth entries. It is the default.
type NoCredentialsProvider struct{}

func (NoCredentialsProvider) Credentials() []Credential {
	return nil
}

// DigestProvider grants full access to the admin user and, optionally,
// read-only access to a second user. Both entries use the digest scheme.
type DigestProvider struct {
	User     string
	Password string

	// Optional read-only identity.
	ReadOnlyUser     string
	ReadOnlyPassword string
}

func (p DigestProvider) ACLsFor(path string) []zk.ACL {
	if p.User == "" {
		return zk.WorldACL(zk.PermAll)
	}
	acls := zk.DigestACL(zk.PermAll, p.User, p.Password)
	if p.ReadOnlyUser != "" {
		acls = append(acls, zk.DigestACL(zk.PermRead, p.ReadOnlyUser, p.ReadOnlyPassword)...)
	}
	return acls
}

// DigestCredentialsProvider authenticates the session as the given user
// with the digest scheme.
type DigestCredentialsProvider struct {
	User     string
	Password string
}

func (p DigestCredentialsProvider) Credentials() []Credential {
	if p.User == "" {
		return nil
	}
	return []Credential{{Scheme: "digest", Auth: []byte(p.User + ":" + p.Password)}}
}
