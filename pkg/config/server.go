package config

import "time"

// ServerConfig holds runtime configuration for the foundry control plane.
type ServerConfig struct {
	Environment string
	Addr        string

	DataDir   string
	BackupDir string

	BasePort    int
	BlockSize   int
	PortCeiling int

	DockerHost     string
	ComposeBinary  string
	ComposeTimeout time.Duration
	HealthTimeout  time.Duration
	SettleDelay    time.Duration

	ReconcileInterval time.Duration
	CreatingGrace     time.Duration
	OrphanAutoRemove  bool

	RetentionKeep   int
	RetentionMaxAge time.Duration
	CleanupInterval time.Duration

	ServiceToken       string
	CredentialKey      string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	RateLimitPerMinute int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("FOUNDRY_ADDR", ":4400"),

		DataDir:   GetString("FOUNDRY_DATA_DIR", "/var/lib/foundry"),
		BackupDir: GetString("FOUNDRY_BACKUP_DIR", "/var/lib/foundry/backups"),

		BasePort:    GetInt("FOUNDRY_BASE_PORT", 8090),
		BlockSize:   GetInt("FOUNDRY_PORT_BLOCK_SIZE", 10),
		PortCeiling: GetInt("FOUNDRY_PORT_CEILING", 9900),

		DockerHost:     GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		ComposeBinary:  GetString("FOUNDRY_COMPOSE_BINARY", "docker"),
		ComposeTimeout: GetSeconds("FOUNDRY_COMPOSE_TIMEOUT_SECONDS", 5*time.Minute),
		HealthTimeout:  GetSeconds("FOUNDRY_HEALTH_TIMEOUT_SECONDS", 90*time.Second),
		SettleDelay:    GetSeconds("FOUNDRY_SETTLE_DELAY_SECONDS", 15*time.Second),

		ReconcileInterval: GetSeconds("FOUNDRY_RECONCILE_SECONDS", 30*time.Second),
		CreatingGrace:     GetSeconds("FOUNDRY_CREATING_GRACE_SECONDS", 10*time.Minute),
		OrphanAutoRemove:  GetBool("FOUNDRY_ORPHAN_AUTO_REMOVE", false),

		RetentionKeep:   GetInt("FOUNDRY_RETENTION_KEEP", 5),
		RetentionMaxAge: GetSeconds("FOUNDRY_RETENTION_MAX_AGE_SECONDS", 0),
		CleanupInterval: GetSeconds("FOUNDRY_CLEANUP_SECONDS", 0),

		ServiceToken:       GetString("FOUNDRY_SERVICE_TOKEN", ""),
		CredentialKey:      GetString("FOUNDRY_CREDENTIAL_KEY", "supersecuresecret"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitPerMinute: GetInt("FOUNDRY_RATE_LIMIT_PER_MINUTE", 120),
	}
}
