package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/parachutes/chutes-admission/internal/admission"
)

// Fingerprint identifies a request for caching purposes. It is derived
// from the operation, resource group/kind, namespace and the full
// proposed object body, deliberately not the resource name or UID, so
// two structurally identical requests share a verdict. That collision
// is an intentional optimization (dry-run resubmissions, generated pod
// names), not an identity check.
type Fingerprint string

var sep = []byte{0}

// ForRequest computes the fingerprint of an admission request.
func ForRequest(req *admission.Request) Fingerprint {
	h := sha256.New()
	h.Write([]byte(req.Operation))
	h.Write(sep)
	h.Write([]byte(req.Group))
	h.Write(sep)
	h.Write([]byte(req.Kind))
	h.Write(sep)
	h.Write([]byte(req.SubResource))
	h.Write(sep)
	h.Write([]byte(req.Namespace))
	h.Write(sep)
	h.Write(req.RawObject)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
