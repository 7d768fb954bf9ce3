package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"crm-mailer/internal/account"
	"crm-mailer/internal/outbox"
	"crm-mailer/internal/template"
)

type AwsConfig struct {
	BaseEndpoint string `yaml:"base_endpoint"`
	sdkConfig    aws.Config
}

type AccountConfig struct {
	Id               string `yaml:"id" validate:"required"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Email            string `yaml:"email" validate:"required"`
	DisplayName      string `yaml:"display_name"`
	AllowInsecureTls bool   `yaml:"allow_insecure_tls"`
}

type PurposesConfig struct {
	Campaigns string `yaml:"campaigns"`
	Clients   string `yaml:"clients"`
	Default   string `yaml:"default"`
}

type TrackingConfig struct {
	BaseUrl string `yaml:"base_url" validate:"required"`
	Secret  string `yaml:"secret" validate:"required"`
	HomeUrl string `yaml:"home_url" validate:"required"`
}

type OutboxConfig struct {
	Path         string `yaml:"path" validate:"required"`
	MaxAttempts  int    `yaml:"max_attempts" validate:"required"`
	BaseDelay    int    `yaml:"base_delay" validate:"required"`
	StuckTimeout int    `yaml:"stuck_timeout" validate:"required"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CampaignConfig struct {
	BatchSize int         `yaml:"batch_size" validate:"required"`
	Redis     RedisConfig `yaml:"redis,flow"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=mysql memory"`
	Dsn    string `yaml:"dsn"`
}

type CompanyConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Address string `yaml:"address"`
	Phone   string `yaml:"phone"`
	Website string `yaml:"website"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required"`
}

type HealthCheckConfig struct {
	Server ServerConfig `yaml:"server" validate:"required"`
}

type MetricsConfig struct {
	Enabled  bool `yaml:"enabled"`
	Port     int  `yaml:"port"`
	Interval int  `yaml:"interval"`
}

type Config struct {
	Transport   string            `yaml:"transport" validate:"required,oneof=smtp ses fake"`
	Aws         AwsConfig         `yaml:"aws,flow"`
	Accounts    []AccountConfig   `yaml:"accounts" validate:"required,min=1,dive"`
	Purposes    PurposesConfig    `yaml:"purposes,flow"`
	Tracking    TrackingConfig    `yaml:"tracking,flow" validate:"required"`
	Outbox      OutboxConfig      `yaml:"outbox,flow" validate:"required"`
	Campaign    CampaignConfig    `yaml:"campaign,flow" validate:"required"`
	Storage     StorageConfig     `yaml:"storage,flow" validate:"required"`
	Company     CompanyConfig     `yaml:"company,flow" validate:"required"`
	Server      ServerConfig      `yaml:"server" validate:"required"`
	HealthCheck HealthCheckConfig `yaml:"health-check,flow" validate:"required"`
	Metrics     MetricsConfig     `yaml:"metrics,flow"`
}

func NewFromYaml(filePath string) (*Config, error) {
	cfg := &Config{}
	if err := NewLoader(filePath).Load(cfg); err != nil {
		return nil, err
	}
	if err := cfg.loadAws(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewFromYamlContent(yamlContent []byte) (*Config, error) {
	cfg := &Config{}
	if err := decodeAndValidate(os.ExpandEnv(string(yamlContent)), cfg); err != nil {
		return nil, err
	}
	if err := cfg.loadAws(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadAws() error {
	if c.Transport != "ses" {
		return nil
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(context.TODO())
	if err != nil {
		return err
	}
	if c.Aws.BaseEndpoint != "" {
		awsConfig.BaseEndpoint = aws.String(c.Aws.BaseEndpoint)
	}
	c.Aws.sdkConfig = awsConfig
	return nil
}

func (c *Config) GetAwsConfig() aws.Config {
	return c.Aws.sdkConfig
}

func (c *Config) GetAccounts() []account.Account {
	accounts := make([]account.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		accounts = append(accounts, account.Account{
			ID:               a.Id,
			Host:             a.Host,
			Port:             a.Port,
			Username:         a.User,
			Password:         a.Password,
			Email:            a.Email,
			DisplayName:      a.DisplayName,
			AllowInsecureTls: a.AllowInsecureTls,
		})
	}
	return accounts
}

func (c *Config) GetPurposes() map[account.Purpose]string {
	purposes := map[account.Purpose]string{}
	if c.Purposes.Campaigns != "" {
		purposes[account.PurposeCampaigns] = c.Purposes.Campaigns
	}
	if c.Purposes.Clients != "" {
		purposes[account.PurposeClients] = c.Purposes.Clients
	}
	if c.Purposes.Default != "" {
		purposes[account.PurposeDefault] = c.Purposes.Default
	}
	return purposes
}

func (c *Config) GetOutboxConfig() outbox.Config {
	return outbox.Config{
		MaxAttempts:  c.Outbox.MaxAttempts,
		BaseDelay:    time.Duration(c.Outbox.BaseDelay) * time.Second,
		StuckTimeout: time.Duration(c.Outbox.StuckTimeout) * time.Second,
	}
}

// GetCompanyTokens exposes the branding record as a token layer for the
// campaign sender.
func (c *Config) GetCompanyTokens() template.Tokens {
	tokens := template.Tokens{}
	tokens.Set("company.name", c.Company.Name)
	tokens.Set("company.address", c.Company.Address)
	tokens.Set("company.phone", c.Company.Phone)
	tokens.Set("company.website", c.Company.Website)
	return tokens
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Campaign.Redis.Host, c.Campaign.Redis.Port)
}

func (c *Config) HasRedis() bool {
	return c.Campaign.Redis.Host != ""
}

func (c *Config) GetHealthCheckServerPort() int {
	return c.HealthCheck.Server.Port
}
