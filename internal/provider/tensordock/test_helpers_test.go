package tensordock

// TestSSHKey is a valid ed25519 public key; the client embeds it in cloud-init
// verbatim, so tests use a real key rather than a placeholder.
const TestSSHKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAICZKc67k8xgOtBqKhxpzM0lJl7rLG/dQTqWBCpHLwEJN test@example"
