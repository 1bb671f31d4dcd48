package config

import (
	"os"
	"strconv"
)

// applyEnv lets deployment environments override file values without
// editing the config on disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BASTION_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BASTION_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("BASTION_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("BASTION_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("BASTION_OBJECT_STORE_MODE"); v != "" {
		cfg.ObjectStore.Mode = v
	}
	if v := os.Getenv("BASTION_S3_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("BASTION_S3_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("BASTION_S3_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("BASTION_S3_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("BASTION_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("BASTION_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
}
