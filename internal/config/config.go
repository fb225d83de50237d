package config

import (
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Redis  Redis
	Worker Worker
	HTTP   HTTP
	Log    Log
}

type Redis struct {
	Addr          string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password      string `env:"Redis_Password"`
	DB            int    `env:"Redis_DB" envDefault:"0"`
	StreamKey     string `env:"Redis_StreamKey" envDefault:"slotworker:tasks"`
	Group         string `env:"Redis_Group" envDefault:"slotworker"`
	ScheduledZSet string `env:"Redis_ScheduledZSet" envDefault:"slotworker:scheduled"`
	DLQStreamKey  string `env:"Redis_DLQStreamKey" envDefault:"slotworker:dlq"`
	// KeyPrefix namespaces task state, checkpoints and rate-limit counters.
	KeyPrefix string `env:"Redis_KeyPrefix" envDefault:"slotworker"`
}

type Worker struct {
	Slots              int           `env:"Worker_Slots" envDefault:"10"`
	PriorityAdmission  bool          `env:"Worker_PriorityAdmission" envDefault:"false"`
	CheckpointCapacity int           `env:"Worker_CheckpointCapacity" envDefault:"1024"`
	DurableStore       bool          `env:"Worker_DurableStore" envDefault:"true"`
	BaseBackoff        time.Duration `env:"Worker_BaseBackoff" envDefault:"100ms"`
	ClaimBlock         time.Duration `env:"Worker_ClaimBlock" envDefault:"5s"`
	InFlight           int           `env:"Worker_InFlight" envDefault:"32"`
	RateLimitBackend   string        `env:"Worker_RateLimitBackend" envDefault:"local"`
	SchedulerInterval  time.Duration `env:"Worker_SchedulerInterval" envDefault:"1s"`
}

type HTTP struct {
	Port int `env:"HTTP_Port" envDefault:"8080"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load reads an optional .env file, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(err)
	}

	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func Parse() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if c.Worker.RateLimitBackend != "local" && c.Worker.RateLimitBackend != "redis" {
		return nil, errors.New("Worker_RateLimitBackend must be local or redis")
	}
	return &c, nil
}
