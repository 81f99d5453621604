package msh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
)

// ErrEndpointNotFound is returned when no endpoint can be resolved
var ErrEndpointNotFound = errors.New("endpoint not found")

// EndpointResolver finds the URL outbound messages for an agreement are
// posted to.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, a *cpa.PartnerAgreement) (string, error)
}

// AgreementResolver uses the agreement's transportReceiverEndpoint.
type AgreementResolver struct{}

// ResolveEndpoint implements EndpointResolver
func (AgreementResolver) ResolveEndpoint(_ context.Context, a *cpa.PartnerAgreement) (string, error) {
	if a.TransportReceiverEndpoint == "" {
		return "", fmt.Errorf("%w: agreement %s has no transportReceiverEndpoint", ErrEndpointNotFound, a.CPAID)
	}
	return a.TransportReceiverEndpoint, nil
}

// StaticEndpointResolver maps agreement ids to fixed endpoints. It is used
// to override the agreement documents per deployment.
type StaticEndpointResolver struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewStaticEndpointResolver creates a new static resolver
func NewStaticEndpointResolver(endpoints map[string]string) *StaticEndpointResolver {
	r := &StaticEndpointResolver{endpoints: make(map[string]string, len(endpoints))}
	for id, url := range endpoints {
		r.endpoints[id] = url
	}
	return r
}

// RegisterEndpoint registers a static endpoint mapping
func (r *StaticEndpointResolver) RegisterEndpoint(cpaID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[cpaID] = url
}

// ResolveEndpoint implements EndpointResolver
func (r *StaticEndpointResolver) ResolveEndpoint(_ context.Context, a *cpa.PartnerAgreement) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	url, ok := r.endpoints[a.CPAID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEndpointNotFound, a.CPAID)
	}
	return url, nil
}

// MultiResolver tries multiple resolvers in order
type MultiResolver struct {
	resolvers []EndpointResolver
}

// NewMultiResolver creates a resolver that tries multiple resolvers in order
func NewMultiResolver(resolvers ...EndpointResolver) *MultiResolver {
	return &MultiResolver{resolvers: resolvers}
}

// ResolveEndpoint implements EndpointResolver by trying each resolver in order
func (r *MultiResolver) ResolveEndpoint(ctx context.Context, a *cpa.PartnerAgreement) (string, error) {
	for _, resolver := range r.resolvers {
		if url, err := resolver.ResolveEndpoint(ctx, a); err == nil {
			return url, nil
		}
	}
	return "", fmt.Errorf("%w: %s (tried %d resolvers)", ErrEndpointNotFound, a.CPAID, len(r.resolvers))
}
