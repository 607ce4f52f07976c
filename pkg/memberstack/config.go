package memberstack

import "time"

// Config holds Memberstack admin API settings.
type Config struct {
	SecretKey      string        `env:"MEMBERSTACK_SECRET_KEY,required"`
	APIBase        string        `env:"MEMBERSTACK_API_BASE" envDefault:"https://admin.memberstack.com"`
	RequestTimeout time.Duration `env:"MEMBERSTACK_REQUEST_TIMEOUT" envDefault:"10s"`
}
