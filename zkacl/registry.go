package zkacl

import (
	"fmt"
	"sort"
	"sync"
)

// Providers are selected by name at startup so that deployments can switch
// ACL policy without recompiling the calling service. Custom policies are
// registered by the application before the client is constructed.

const (
	WorldProviderName  = "world"
	DigestProviderName = "digest"
)

var (
	registryMu          sync.RWMutex
	providerFactories   = map[string]func() Provider{}
	credentialFactories = map[string]func() CredentialsProvider{}
)

func init() {
	RegisterProvider(WorldProviderName, func() Provider { return WorldProvider{} })
	RegisterProvider(DigestProviderName, func() Provider { return DigestProvider{} })
	RegisterCredentialsProvider(WorldProviderName, func() CredentialsProvider { return NoCredentialsProvider{} })
	RegisterCredentialsProvider(DigestProviderName, func() CredentialsProvider { return DigestCredentialsProvider{} })
}

// RegisterProvider makes an ACL provider factory available under the given
// name. Registering an already used name replaces the previous factory.
func RegisterProvider(name string, factory func() Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providerFactories[name] = factory
}

// RegisterCredentialsProvider makes a credentials provider factory available
// under the given name.
func RegisterCredentialsProvider(name string, factory func() CredentialsProvider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	credentialFactories[name] = factory
}

// NewProvider resolves a registered ACL provider by name.
func NewProvider(name string) (Provider, error) {
	registryMu.RLock()
	factory, ok := providerFactories[name]
	if !ok {
		known := registeredNames()
		registryMu.RUnlock()
		return nil, fmt.Errorf(`zkacl: no ACL provider registered under %q, known providers: %v`, name, known)
	}
	registryMu.RUnlock()
	return factory(), nil
}

// NewCredentialsProvider resolves a registered credentials provider by name.
func NewCredentialsProvider(name string) (CredentialsProvider, error) {
	registryMu.RLock()
	factory, ok := credentialFactories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf(`zkacl: no credentials provider registered under %q`, name)
	}
	return factory(), nil
}

// registeredNames requires registryMu to be held.
func registeredNames() []string {
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
