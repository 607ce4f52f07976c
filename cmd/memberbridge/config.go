package main

import "time"

// appConfig selects the adapters the binary is assembled from.
type appConfig struct {
	StorageDriver   string        `env:"STORAGE_DRIVER" envDefault:"memory"` // memory, mongo or postgres
	PaymentProvider string        `env:"PAYMENT_PROVIDER" envDefault:"paypal"`
	PlansFile       string        `env:"PLANS_FILE"`
	SeedPlans       bool          `env:"SEED_PLANS" envDefault:"false"` // copy PLANS_FILE into the database catalog
	RedisEnabled    bool          `env:"REDIS_ENABLED" envDefault:"false"`
	RedisKeyPrefix  string        `env:"REDIS_KEY_PREFIX" envDefault:"memberbridge:"`
	RateLimit       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	StartupTimeout  time.Duration `env:"STARTUP_TIMEOUT" envDefault:"30s"`
}
