package hosting

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/domain/model"
)

// Noop is a stand-in Connector for local development, used when no hosting
// API is configured. Bindings activate immediately with an issued
// certificate and live only in memory.
type Noop struct {
	mu       sync.Mutex
	byHost   map[string]string
	bindings map[string]string // binding id → hostname
	logger   *zap.Logger
}

var _ Connector = (*Noop)(nil)

// NewNoop creates a Noop connector.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{
		byHost:   make(map[string]string),
		bindings: make(map[string]string),
		logger:   logger,
	}
}

func (n *Noop) CreateBinding(_ context.Context, host string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.byHost[host]; ok {
		return id, nil
	}
	id := "noop-" + uuid.NewString()
	n.byHost[host] = id
	n.bindings[id] = host
	n.logger.Info("noop hosting: binding created", zap.String("hostname", host), zap.String("binding_id", id))
	return id, nil
}

func (n *Noop) GetBindingStatus(_ context.Context, bindingID string) (BindingStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.bindings[bindingID]; !ok {
		return BindingStatus{}, ErrBindingNotFound
	}
	return BindingStatus{Active: true, CertificateStatus: model.CertIssued}, nil
}

func (n *Noop) DeleteBinding(_ context.Context, bindingID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if host, ok := n.bindings[bindingID]; ok {
		delete(n.byHost, host)
		delete(n.bindings, bindingID)
	}
	return nil
}
