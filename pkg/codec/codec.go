// Package codec provides the serialization contract between clients and the
// server. Payloads are opaque to the transport; a Codec round-trips typed
// request/response envelopes by agreement on a content type.
package codec

// Codec marshals typed messages. Implementations must be deterministic and
// safe for cross-process exchange.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the built-in codecs,
// JSON and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Default returns the wire format used when the caller does not name one.
func (r *Registry) Default() Codec { return r.byType[cborContentType] }
