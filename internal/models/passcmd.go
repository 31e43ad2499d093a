package models

// ResolvedCredential is a credential turned into the environment borg reads.
type ResolvedCredential struct {
	Kind CredentialKind
	Env  []string // e.g. BORG_PASSPHRASE=...
}
