package mesh

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-memory table of registered agents and published
// products. Reads return copies; callers never hold internal references.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]AgentRegistration
	products map[string]Product
	nowFn    func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:   make(map[string]AgentRegistration),
		products: make(map[string]Product),
		nowFn:    time.Now,
	}
}

// Register adds or refreshes an agent. Re-registering an existing id keeps
// the original registration time and replaces the capability set.
func (r *Registry) Register(agentID string, role Role, capabilities []string) (AgentRegistration, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return AgentRegistration{}, fmt.Errorf("agent id required")
	}
	switch role {
	case RoleProducer, RoleConsumer:
	default:
		return AgentRegistration{}, fmt.Errorf("unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	registration, exists := r.agents[agentID]
	if !exists {
		registration = AgentRegistration{
			AgentID:      agentID,
			RegisteredAt: r.nowFn().UTC(),
		}
	}
	registration.Role = role
	registration.Capabilities = append([]string{}, capabilities...)
	r.agents[agentID] = registration
	return registration, nil
}

// SetChannel records the A2A channel token minted during the handshake.
// Unknown agents are ignored.
func (r *Registry) SetChannel(agentID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	registration, ok := r.agents[agentID]
	if !ok {
		return
	}
	registration.A2AChannel = channel
	r.agents[agentID] = registration
}

// Agent looks up a registration by id.
func (r *Registry) Agent(agentID string) (AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registration, ok := r.agents[agentID]
	return registration, ok
}

// Agents returns all registrations ordered by agent id.
func (r *Registry) Agents() []AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRegistration, 0, len(r.agents))
	for _, registration := range r.agents {
		out = append(out, registration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PublishProduct adds or updates a product. Only the owning producer may
// mutate an existing entry; products are never removed.
func (r *Registry) PublishProduct(product Product) error {
	if strings.TrimSpace(product.ProductID) == "" {
		return fmt.Errorf("product id required")
	}
	if strings.TrimSpace(product.ProducerAgentID) == "" {
		return fmt.Errorf("producer agent id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn().UTC()
	existing, exists := r.products[product.ProductID]
	if exists {
		if existing.ProducerAgentID != product.ProducerAgentID {
			return fmt.Errorf("product %s belongs to %s", product.ProductID, existing.ProducerAgentID)
		}
		product.CreatedAt = existing.CreatedAt
	} else {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	r.products[product.ProductID] = product
	return nil
}

// Product looks up a product by id.
func (r *Registry) Product(productID string) (Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	product, ok := r.products[productID]
	return product, ok
}

// Products returns the catalog ordered by product id.
func (r *Registry) Products() []Product {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Product, 0, len(r.products))
	for _, product := range r.products {
		out = append(out, product)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
