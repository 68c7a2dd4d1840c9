package artifact

import (
	"fmt"
	"strings"

	"github.com/stephnangue/vmgate/vault"
)

// buildRDPPayload renders a remote-desktop descriptor (.rdp format) for
// the credential. The secret is embedded so the client can connect
// without a second prompt; the descriptor only ever lives in the
// transient artifact cache.
func buildRDPPayload(rec *vault.Record, cred *vault.Credential) string {
	var b strings.Builder
	fmt.Fprintf(&b, "full address:s:%s:%d\r\n", rec.VMID, rec.Port)
	fmt.Fprintf(&b, "username:s:%s\r\n", cred.Username)
	fmt.Fprintf(&b, "password:s:%s\r\n", cred.Secret)
	b.WriteString("screen mode id:i:2\r\n")
	b.WriteString("authentication level:i:2\r\n")
	b.WriteString("prompt for credentials:i:0\r\n")
	b.WriteString("redirectclipboard:i:1\r\n")
	return b.String()
}

// buildSSHPayload renders a secure-shell one-liner for the credential
func buildSSHPayload(rec *vault.Record, cred *vault.Credential) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "sshpass -p '%s' ssh -o StrictHostKeyChecking=accept-new -p %d %s@%s\n",
		strings.ReplaceAll(cred.Secret, "'", `'\''`), rec.Port, cred.Username, rec.VMID)
	return b.String()
}

func payloadFor(rec *vault.Record, cred *vault.Credential) (payload, filename, contentType string, err error) {
	switch rec.ConnType {
	case vault.ConnTypeRDP:
		return buildRDPPayload(rec, cred), "connection.rdp", "application/x-rdp", nil
	case vault.ConnTypeSSH:
		return buildSSHPayload(rec, cred), "connect.sh", "text/x-shellscript", nil
	default:
		return "", "", "", fmt.Errorf("unsupported connection type %q", rec.ConnType)
	}
}
