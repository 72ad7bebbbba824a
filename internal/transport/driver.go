package transport

import "fmt"

// NewDriverPort would connect to the real kernel-mode minifilter port
// named by cfg.Addr. A working implementation needs the Windows
// FilterConnectCommunicationPort / FilterGetMessage / FilterReplyMessage
// surface, which is out of scope here — the kernel-mode collector
// itself is explicitly excluded (spec.md's Non-goals). NewDriverPort
// exists so `--communication driver` fails fast with a typed error
// instead of silently falling back to a fake port.
func NewDriverPort(cfg Config) (Port, error) {
	return nil, fmt.Errorf("%w: no kernel driver available for port %q in this build", ErrPort, cfg.Addr)
}
