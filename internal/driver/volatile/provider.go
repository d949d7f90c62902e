package volatile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/driver"
	"github.com/devrev/replstore/internal/errors"
	"github.com/devrev/replstore/internal/storagekey"
)

// Provider serves volatile:// keys of a single session. Keys scoped to
// other sessions are not supported.
type Provider struct {
	arcID  string
	memory *Memory
}

func NewProvider(arcID string, logger *zap.Logger) *Provider {
	return &Provider{arcID: arcID, memory: NewMemory(logger)}
}

func (p *Provider) Name() string    { return "volatile:" + p.arcID }
func (p *Provider) Memory() *Memory { return p.memory }

func (p *Provider) WillSupport(key storagekey.StorageKey) bool {
	k, ok := key.(storagekey.VolatileKey)
	return ok && k.ArcID == p.arcID
}

func (p *Provider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	if !p.WillSupport(key) {
		return nil, errors.InvalidArgument(fmt.Sprintf("%s does not serve %s", p.Name(), key), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := p.memory.attach(key, exists)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// RamDiskProvider serves ramdisk:// keys from a process-wide Memory.
type RamDiskProvider struct {
	memory *Memory
}

func NewRamDiskProvider(memory *Memory) *RamDiskProvider {
	return &RamDiskProvider{memory: memory}
}

func (p *RamDiskProvider) Name() string    { return "ramdisk" }
func (p *RamDiskProvider) Memory() *Memory { return p.memory }

func (p *RamDiskProvider) WillSupport(key storagekey.StorageKey) bool {
	_, ok := key.(storagekey.RamDiskKey)
	return ok
}

func (p *RamDiskProvider) Driver(ctx context.Context, key storagekey.StorageKey, exists driver.Exists) (driver.Driver, error) {
	if !p.WillSupport(key) {
		return nil, errors.InvalidArgument(fmt.Sprintf("ramdisk provider does not serve %s", key), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := p.memory.attach(key, exists)
	if err != nil {
		return nil, err
	}
	return d, nil
}
