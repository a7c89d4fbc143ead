package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore shares GCRA state between nodes through Valkey
type ValkeyStore struct {
	client valkey.Client
	script *valkey.Lua
}

// ValkeyConfig holds Valkey connection settings
type ValkeyConfig struct {
	Addrs    []string
	Password string
	DB       int
}

// NewValkeyStore connects to Valkey and verifies the connection
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: cfg.Addrs,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Valkey: %w", err)
	}

	return &ValkeyStore{
		client: client,
		script: valkey.NewLuaScript(gcraScript),
	}, nil
}

// Throttle implements Store
func (v *ValkeyStore) Throttle(ctx context.Context, req Request) (Result, error) {
	args := []string{
		strconv.FormatUint(req.Limit, 10),
		strconv.FormatInt(req.Period.Microseconds(), 10),
		strconv.FormatUint(req.MaxBurst, 10),
		strconv.FormatUint(req.Quantity, 10),
	}
	vals, err := v.script.Exec(ctx, v.client, []string{req.Key}, args).AsIntSlice()
	if err != nil {
		return Result{}, fmt.Errorf("valkey throttle %s: %w", req.Key, err)
	}
	return scriptResult(req, vals)
}

// Name implements Store
func (v *ValkeyStore) Name() string { return "valkey" }

// Close implements Store
func (v *ValkeyStore) Close() error {
	v.client.Close()
	return nil
}
