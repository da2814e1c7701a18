package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"investment-ledger/config"

	"github.com/hashicorp/vault/api"
)

// ServiceSecrets are the credentials the ledger keeps out of its config file.
type ServiceSecrets struct {
	JWTSecret        string `json:"jwt_secret"`
	DBPassword       string `json:"db_password"`
	RedisPassword    string `json:"redis_password"`
	GatewayTokenHash string `json:"gateway_token_hash"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *ServiceSecrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads return empty secrets.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "investment-ledger"
	}
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// LoadSecrets reads the service secrets from the KV v2 mount.
func (c *Client) LoadSecrets(ctx context.Context) (*ServiceSecrets, error) {
	if !c.config.Enabled {
		return &ServiceSecrets{}, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return &s, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read service secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("service secrets not found at %s", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	s := &ServiceSecrets{
		JWTSecret:        getString(data, "jwt_secret"),
		DBPassword:       getString(data, "db_password"),
		RedisPassword:    getString(data, "redis_password"),
		GatewayTokenHash: getString(data, "gateway_token_hash"),
	}

	c.mu.Lock()
	cp := *s
	c.cached = &cp
	c.mu.Unlock()

	return s, nil
}

// StoreSecrets writes the service secrets. Empty fields are left out.
func (c *Client) StoreSecrets(ctx context.Context, s ServiceSecrets) error {
	if !c.config.Enabled {
		return fmt.Errorf("vault is disabled")
	}

	data := map[string]interface{}{}
	for k, v := range map[string]string{
		"jwt_secret":         s.JWTSecret,
		"db_password":        s.DBPassword,
		"redis_password":     s.RedisPassword,
		"gateway_token_hash": s.GatewayTokenHash,
	} {
		if v != "" {
			data[k] = v
		}
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), map[string]interface{}{"data": data})
	if err != nil {
		return fmt.Errorf("failed to store service secrets in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	return nil
}

// Apply overlays non-empty secrets onto cfg.
func Apply(cfg *config.Config, s *ServiceSecrets) {
	if s == nil {
		return
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DBPassword != "" {
		cfg.DatabaseConfig.Password = s.DBPassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.GatewayTokenHash != "" {
		cfg.GatewayConfig.TokenHash = s.GatewayTokenHash
	}
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path of the service secrets
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", strings.Trim(c.config.MountPath, "/"), strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
