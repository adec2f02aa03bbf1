package securevault

import "southwinds.dev/securevault/audit"

// VaultManagerService hands out one vault per namespace and shuts them down together.
//
// A process that opens vaults only through a single manager never runs two
// coordinators for the same namespace, so writes of one namespace never race
// inside the process.
type VaultManagerService interface {
	// GetVault returns the open vault for namespace, opening it on first use
	// or again after its holder closed it.
	// An empty namespace selects the default namespace.
	GetVault(namespace string) (VaultService, error)

	// CloseVault closes the vault of namespace and forgets it.
	// Closing a namespace that is not open is not an error.
	CloseVault(namespace string) error

	// CloseAll closes every open vault and the shared audit logger
	CloseAll() error

	// ListNamespaces returns the namespaces that are open or have an envelope in storage
	ListNamespaces() ([]string, error)

	// QueryAuditLogs queries the audit trail shared by all vaults of the manager
	QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error)
}
