// Package dns specifies the external DNS-resolution collaborator named in
// spec §3 ("a named endpoint must be resolved to IP endpoints before a
// transport is built") and §1 ("DNS resolvers — specified only by the
// interface the core consumes"). The core never imports a concrete
// resolver; Aether is configured with one.
package dns

import (
	"context"
	"net"

	"golang.org/x/net/idna"
)

// Resolver resolves a hostname to the IP addresses it currently answers
// for. Implementations may cache, round-robin, or consult a split-horizon
// view; the core only ever calls Resolve.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// StdResolver is the default Resolver, backed by net.Resolver. No
// third-party DNS client in the retrieved corpus improves meaningfully on
// the standard library's resolver for a plain A/AAAA lookup, so this one
// piece is stdlib by necessity (see DESIGN.md); the only value this type
// adds is IDNA normalization of the hostname via golang.org/x/net/idna
// before handing it to net.Resolver, so internationalized endpoint names
// in a Server's address list resolve correctly.
type StdResolver struct {
	inner *net.Resolver
}

// NewStdResolver builds a StdResolver. A nil *net.Resolver parameter uses
// net.DefaultResolver.
func NewStdResolver(r *net.Resolver) *StdResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &StdResolver{inner: r}
}

func (s *StdResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}
	return s.inner.LookupIP(ctx, "ip", ascii)
}
