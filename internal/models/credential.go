package models

import "fmt"

// CredentialKind identifies how a repository passphrase is obtained.
type CredentialKind int

// Credential kinds.
const (
	CredentialNone CredentialKind = iota
	CredentialLiteral
	CredentialCommand
	CredentialFileDescriptor
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialLiteral:
		return "passphrase"
	case CredentialCommand:
		return "passcommand"
	case CredentialFileDescriptor:
		return "passphrase_fd"
	default:
		return "none"
	}
}

// Credential holds exactly one passphrase source for a repository.
type Credential struct {
	Kind  CredentialKind
	Value string // passphrase for CredentialLiteral, command line for CredentialCommand
	FD    int    // only for CredentialFileDescriptor
}

// LiteralCredential returns a credential using a literal passphrase.
func LiteralCredential(passphrase string) Credential {
	return Credential{Kind: CredentialLiteral, Value: passphrase}
}

// CommandCredential returns a credential obtained by running command.
func CommandCredential(command string) Credential {
	return Credential{Kind: CredentialCommand, Value: command}
}

// FDCredential returns a credential read by borg from an open file descriptor.
func FDCredential(fd int) Credential {
	return Credential{Kind: CredentialFileDescriptor, FD: fd}
}

// String never includes the literal passphrase.
func (c Credential) String() string {
	switch c.Kind {
	case CredentialLiteral:
		return "passphrase(***)"
	case CredentialCommand:
		return fmt.Sprintf("passcommand(%s)", c.Value)
	case CredentialFileDescriptor:
		return fmt.Sprintf("passphrase_fd(%d)", c.FD)
	default:
		return "none"
	}
}

// GoString masks the passphrase in %#v output too.
func (c Credential) GoString() string {
	return c.String()
}
